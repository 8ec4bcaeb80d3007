package server

import "time"

type Config struct {
	MongoURI string
	MongoDB  string

	// Identity is the server identity bound into the key exchange.
	Identity string
	// AttemptTTL bounds the window between auth init and finalize.
	AttemptTTL time.Duration
	// RegisterTTL bounds the window between registration init and finalize.
	RegisterTTL time.Duration
	// MaxObjectBytes caps the plaintext-equivalent size of an uploaded blob.
	MaxObjectBytes int
}

func (c *Config) setDefaults() {
	if c.Identity == "" {
		c.Identity = "kotori-tagd"
	}
	if c.AttemptTTL <= 0 {
		c.AttemptTTL = 30 * time.Second
	}
	if c.RegisterTTL <= 0 {
		c.RegisterTTL = 2 * time.Minute
	}
	if c.MaxObjectBytes <= 0 {
		c.MaxObjectBytes = 4 << 20
	}
}
