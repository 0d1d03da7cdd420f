package config

import (
	"reflect"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "8880" {
		t.Errorf("default port: got %s", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("bridge must be disabled by default")
	}
	if len(cfg.WebRTC.ICEUrls) != 1 {
		t.Errorf("expected one default ICE server, got %v", cfg.WebRTC.ICEUrls)
	}
	if cfg.Agent.Role != "viewer" {
		t.Errorf("default agent role: got %s", cfg.Agent.Role)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("WEBRTC_ICE_URLS", " stun:a.example:3478 , turn:b.example:3478 ,")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("port override: got %s", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis override: got %s", cfg.Redis.Addr)
	}
	want := []string{"stun:a.example:3478", "turn:b.example:3478"}
	if !reflect.DeepEqual(cfg.WebRTC.ICEUrls, want) {
		t.Errorf("ice urls: got %v, want %v", cfg.WebRTC.ICEUrls, want)
	}
}
