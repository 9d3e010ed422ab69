package main

import (
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		deviceName:     "can0",
		baud:           115200,
		dbcPath:        "testdata/example.dbc",
		listenAddr:     ":20000",
		logFormat:      "text",
		logLevel:       "info",
		hubBuffer:      8,
		hubPolicy:      "drop",
		busChannel:     0,
		messageTimeout: time.Second,
		maxClients:     0,
		handshakeTO:    time.Second,
		clientReadTO:   time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"emptyDevice", func(c *appConfig) { c.deviceName = "" }},
		{"emptyDBC", func(c *appConfig) { c.dbcPath = "" }},
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badBusChannelLow", func(c *appConfig) { c.busChannel = -1 }},
		{"badBusChannelHigh", func(c *appConfig) { c.busChannel = 4 }},
		{"badMessageTimeout", func(c *appConfig) { c.messageTimeout = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigValidate_NilReceiver(t *testing.T) {
	var c *appConfig
	if err := c.validate(); err == nil {
		t.Fatal("expected error for nil config")
	}
}
