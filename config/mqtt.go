package config

import (
	"errors"
	"fmt"

	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Keepalive    int        `json:"keepalive"`
	ClientID     string     `json:"client_id"`
	CleanSession bool       `json:"clean_session"`
	Username     string     `json:"username"`
	Password     string     `json:"password"`
	Will         WillConfig `json:"will"`
	TLS          TLSConfig  `json:"tls"`
}

// WillConfig is the last will sent with CONNECT. An empty Topic disables it.
type WillConfig struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	QoS     int    `json:"qos"`
	Retain  bool   `json:"retain"`
}

// TLSConfig enables TLS when Enabled is set.
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CAFile   string `json:"ca_file"`
	CAPath   string `json:"ca_path"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	Insecure bool   `json:"insecure"`
}

// Files returns the certificate locations in engine form.
func (c TLSConfig) Files() coremqtt.TLSFiles {
	return coremqtt.TLSFiles{
		CAFile:   c.CAFile,
		CAPath:   c.CAPath,
		CertFile: c.CertFile,
		KeyFile:  c.KeyFile,
	}
}

func (c *MQTTConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 1883
		if c.TLS.Enabled {
			c.Port = 8883
		}
	}
	if c.Keepalive == 0 {
		c.Keepalive = 60
	}
}

func (c MQTTConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Keepalive < 5 || c.Keepalive > 65535 {
		return fmt.Errorf("keepalive %d out of range", c.Keepalive)
	}
	if c.ClientID == "" && !c.CleanSession {
		return errors.New("client_id is required when clean_session is false")
	}
	if c.Password != "" && c.Username == "" {
		return errors.New("password set without username")
	}
	if c.Will.Topic != "" && (c.Will.QoS < 0 || c.Will.QoS > 2) {
		return fmt.Errorf("will qos %d out of range", c.Will.QoS)
	}
	if c.TLS.Enabled {
		if c.TLS.CAFile == "" && c.TLS.CAPath == "" {
			return errors.New("tls requires ca_file or ca_path")
		}
		if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
			return errors.New("tls cert_file and key_file must be set together")
		}
	}
	return nil
}
