package restart

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// resetIdentity removes the identity artifact and the temporary identity data
// so the job generates a new network identity on its next start.
func (c *Controller) resetIdentity() error {
	var errs []error
	if f := c.cfg.Identity.File; f != "" {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove identity file: %w", err))
		}
	}
	if d := c.cfg.Identity.TempDir; d != "" {
		if err := os.RemoveAll(d); err != nil {
			errs = append(errs, fmt.Errorf("remove identity temp dir: %w", err))
		}
	}
	return errors.Join(errs...)
}
