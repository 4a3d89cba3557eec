// Package main hosts the reelforge CLI.
//
// Commands load configuration once through commandContext, which also builds
// the render pipeline (capability prober, scene cache, renderer, assembler,
// status store, orchestrator) on demand. Keep rendering logic in the internal
// packages; commands here only wire and present.
package main
