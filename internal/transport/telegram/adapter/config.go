package adapter

import "time"

type Config struct {
	Token string

	// APITimeout bounds individual Bot API calls. Defaults to 10s.
	APITimeout time.Duration
}
