package dunning

// Config holds Postmark delivery configuration. Tokens are optional so
// development environments can fall back to DevSender; SenderEmail and
// SupportEmail establish the from and reply-to identity of every message.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL,required"`
	SupportEmail         string `env:"SUPPORT_EMAIL,required"`
}
