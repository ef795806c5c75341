// Package request holds decoded HTTP request bodies.
package request

import (
	"fmt"

	"songzip/internal/errs"
	"songzip/pkg/urls"
)

// DownloadAll is the body of POST /download-all.
type DownloadAll struct {
	URLs []string `json:"urls"`
}

// Validate rejects an empty batch and URLs that are not http(s) even after normalization.
func (d *DownloadAll) Validate() error {
	if len(d.URLs) == 0 {
		return errs.ErrNoURLs
	}

	for _, raw := range d.URLs {
		if !urls.IsURLValid(urls.Normalize(raw)) {
			return fmt.Errorf("%w: %q", errs.ErrInvalidURL, raw)
		}
	}

	return nil
}
