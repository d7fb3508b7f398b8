package config

import (
	"sync"
	"testing"
)

func TestSetGetConfig(t *testing.T) {
	prev := GetConfig()
	defer SetConfig(prev)

	cfg := Default()
	SetConfig(cfg)

	if GetConfig() != cfg {
		t.Error("GetConfig did not return the config passed to SetConfig")
	}
	if MustGetConfig() != cfg {
		t.Error("MustGetConfig did not return the config passed to SetConfig")
	}
}

func TestMustGetConfig_PanicsWhenUnset(t *testing.T) {
	prev := GetConfig()
	defer SetConfig(prev)
	SetConfig(nil)

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustGetConfig()
}

func TestReloadConfig(t *testing.T) {
	prev := GetConfig()
	defer SetConfig(prev)

	original := Default()
	SetConfig(original)

	cfg, err := ReloadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("ReloadConfig failed: %v", err)
	}
	if GetConfig() != cfg {
		t.Error("ReloadConfig did not publish the new config")
	}

	if _, err := ReloadConfig(writeConfig(t, "server: [")); err == nil {
		t.Fatal("expected error for invalid config")
	}
	if GetConfig() != cfg {
		t.Error("failed reload replaced the config")
	}
}

func TestGetConfig_Concurrent(t *testing.T) {
	prev := GetConfig()
	defer SetConfig(prev)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetConfig(Default())
		}()
		go func() {
			defer wg.Done()
			_ = GetConfig()
		}()
	}
	wg.Wait()
}
