// Package textutil turns free-form titles into safe file name components.
package textutil
