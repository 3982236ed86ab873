package dunning

import "context"

// Sender delivers a single rendered email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is one outbound email, already rendered.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
	Tag      string // Postmark analytics tag, optional
}
