package health

import (
	"context"
	"fmt"
	"net/http"
)

// Prober is anything that can report whether an external tool it depends on
// is usable, such as the ffmpeg transcoder or the piper runner.
type Prober interface {
	Available() error
}

// Available returns a [Checker] backed by p.Available.
func Available(name string, p Prober) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		return p.Available()
	}}
}

// Reachable returns a [Checker] that issues a GET to url and passes on any
// response below 500. A model server that answers 404 on its root is still
// up. A nil client selects [http.DefaultClient].
func Reachable(name, url string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{Name: name, Check: func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}}
}
