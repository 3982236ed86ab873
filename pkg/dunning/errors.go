package dunning

import "errors"

var (
	ErrSendFailed    = errors.New("dunning.errors.send_failed")
	ErrInvalidConfig = errors.New("dunning.errors.invalid_config")
)
