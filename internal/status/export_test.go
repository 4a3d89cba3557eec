package status

// ExecForTests runs raw SQL against the store.
func ExecForTests(s *Store, query string) error {
	_, err := s.db.Exec(query)
	return err
}
