package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Durations are written to JSON the way they are written in YAML ("1h0m0s",
// "5s") rather than as integer nanoseconds.

// MarshalJSON implements json.Marshaler.
func (c ClaimsConfig) MarshalJSON() ([]byte, error) {
	type plain ClaimsConfig
	return json.Marshal(struct {
		plain
		TTL string `json:"ttl"`
	}{plain(c), c.TTL.String()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ClaimsConfig) UnmarshalJSON(data []byte) error {
	type plain ClaimsConfig
	aux := struct {
		*plain
		TTL string `json:"ttl"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDuration("claims.ttl", aux.TTL, &c.TTL)
}

// MarshalJSON implements json.Marshaler.
func (s ServerConfig) MarshalJSON() ([]byte, error) {
	type plain ServerConfig
	return json.Marshal(struct {
		plain
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	}{plain(s), s.ReadTimeout.String(), s.WriteTimeout.String(), s.ShutdownTimeout.String()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type plain ServerConfig
	aux := struct {
		*plain
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("server.read_timeout", aux.ReadTimeout, &s.ReadTimeout); err != nil {
		return err
	}
	if err := parseDuration("server.write_timeout", aux.WriteTimeout, &s.WriteTimeout); err != nil {
		return err
	}
	return parseDuration("server.shutdown_timeout", aux.ShutdownTimeout, &s.ShutdownTimeout)
}

func parseDuration(field, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}
