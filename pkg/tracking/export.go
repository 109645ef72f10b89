package tracking

import (
	"context"
	"io"
)

// Export writes the CSV form of any store to w.
func Export(ctx context.Context, s Store, w io.Writer) error {
	jobs, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if err := WriteCSV(w, jobs); err != nil {
		return &StoreError{Op: "export", Path: s.Location(), Err: err}
	}
	return nil
}
