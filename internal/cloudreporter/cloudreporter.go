// Package cloudreporter models the external collaborator spec.md §6
// calls the "Cloud reporter": reportCurrentState(fields) publishing to an
// async channel. Cloud registration, polling and report upload
// themselves stay out of scope per spec.md §1; this package only carries
// the interface boundary the Control API's regenerate-api-key handler
// needs to report a freshly minted cloud key outward.
package cloudreporter

import "context"

// Fields is a partial device-report payload; the Control API only ever
// populates the subset it knows about (e.g. a regenerated cloud key).
type Fields map[string]interface{}

// Reporter is the interface the Control API depends on.
type Reporter interface {
	ReportCurrentState(ctx context.Context, fields Fields) error
}

// Channel is a minimal in-process Reporter that hands fields to
// subscribers over a buffered channel, standing in for the out-of-scope
// upload transport.
type Channel struct {
	out chan Fields
}

// NewChannel creates a Channel with the given subscriber buffer size.
func NewChannel(buffer int) *Channel {
	return &Channel{out: make(chan Fields, buffer)}
}

func (c *Channel) ReportCurrentState(ctx context.Context, fields Fields) error {
	select {
	case c.out <- fields:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the channel of published reports.
func (c *Channel) Subscribe() <-chan Fields {
	return c.out
}

var _ Reporter = (*Channel)(nil)
