// Package dunning delivers billing lifecycle emails: payment failure
// warnings with the grace deadline, recovery confirmations, and cancellation
// notices.
//
// The package is built around the Sender interface so delivery can be swapped
// without touching notification logic:
//   - PostmarkSender for production delivery with open tracking
//   - DevSender for local development (saves emails to disk)
//
// Notifier composes a Sender with rendered HTML templates and satisfies the
// billing processor's notification hook.
//
// # Usage
//
//	sender, err := dunning.NewPostmarkSender(dunning.Config{
//	    PostmarkServerToken:  "server-token",
//	    PostmarkAccountToken: "account-token",
//	    SenderEmail:          "billing@example.com",
//	    SupportEmail:         "support@example.com",
//	})
//	if err != nil {
//	    // handle configuration error
//	}
//
//	notifier := dunning.NewNotifier(sender, dunning.NotifierConfig{
//	    PortalURL:    "https://app.example.com/settings/billing",
//	    SupportEmail: "support@example.com",
//	})
//
//	processor := billing.NewProcessor(store, gateway, machine,
//	    billing.WithNotifier(notifier),
//	)
//
// During development, point the sender at a directory instead:
//
//	notifier := dunning.NewNotifier(dunning.NewDevSender("./tmp/emails"), cfg)
package dunning
