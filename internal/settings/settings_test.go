package settings

import (
	"encoding/json"
	"testing"
)

func rawMap(in map[string][]byte) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestParseOutOfRangeValuesFallBackToDefaults(t *testing.T) {
	raw := rawMap(map[string][]byte{
		"max_concurrent_tasks":  []byte("99"),
		"max_retry_count":       []byte("500"),
		"media_group_buffer_ms": []byte("1"),
	})

	got := parse(raw, Defaults())

	if got.MaxConcurrentTasks != Defaults().MaxConcurrentTasks {
		t.Errorf("expected out-of-range max_concurrent_tasks to fall back to default, got %d", got.MaxConcurrentTasks)
	}
	if got.MaxRetryCount != Defaults().MaxRetryCount {
		t.Errorf("expected out-of-range max_retry_count to fall back to default, got %d", got.MaxRetryCount)
	}
	if got.MediaGroupBufferMs != Defaults().MediaGroupBufferMs {
		t.Errorf("expected out-of-range media_group_buffer_ms to fall back to default, got %d", got.MediaGroupBufferMs)
	}
}

func TestParseAcceptsInRangeValues(t *testing.T) {
	raw := rawMap(map[string][]byte{
		"max_concurrent_tasks":  []byte("7"),
		"max_retry_count":       []byte("10"),
		"media_group_buffer_ms": []byte("500"),
	})

	got := parse(raw, Defaults())

	if got.MaxConcurrentTasks != 7 {
		t.Errorf("max_concurrent_tasks = %d, want 7", got.MaxConcurrentTasks)
	}
	if got.MaxRetryCount != 10 {
		t.Errorf("max_retry_count = %d, want 10", got.MaxRetryCount)
	}
	if got.MediaGroupBufferMs != 500 {
		t.Errorf("media_group_buffer_ms = %d, want 500", got.MediaGroupBufferMs)
	}
}

func TestParseKeepsFallbackWhenKeyAbsent(t *testing.T) {
	fallback := Defaults()
	fallback.MaxConcurrentTasks = 5

	got := parse(rawMap(nil), fallback)

	if got.MaxConcurrentTasks != 5 {
		t.Errorf("absent key should keep fallback value, got %d", got.MaxConcurrentTasks)
	}
}

func TestParseMessageFilterKeywords(t *testing.T) {
	raw := rawMap(map[string][]byte{
		"message_filter_keywords": []byte(`"Foo, Bar;baz\nFoo"`),
	})

	got := parse(raw, Defaults())

	want := []string{"foo", "bar", "baz"}
	if len(got.MessageFilterKeywords) != len(want) {
		t.Fatalf("keywords = %v, want %v", got.MessageFilterKeywords, want)
	}
	for i, w := range want {
		if got.MessageFilterKeywords[i] != w {
			t.Errorf("keyword[%d] = %q, want %q", i, got.MessageFilterKeywords[i], w)
		}
	}
}

func TestEffectiveKeywordsFilterModes(t *testing.T) {
	v := Values{MessageFilterEnabled: true, MessageFilterKeywords: []string{"foo", "bar"}}

	if enabled, _ := v.EffectiveKeywords("disabled", "whatever"); enabled {
		t.Error("disabled filter_mode must turn filtering off regardless of global switch")
	}

	enabled, kws := v.EffectiveKeywords("custom", "baz,qux")
	if !enabled || len(kws) != 2 || kws[0] != "baz" || kws[1] != "qux" {
		t.Errorf("custom filter_mode should substitute per-channel keywords, got enabled=%v kws=%v", enabled, kws)
	}

	enabled, kws = v.EffectiveKeywords("inherit", "ignored")
	if !enabled || len(kws) != 2 || kws[0] != "foo" {
		t.Errorf("inherit filter_mode should use global values, got enabled=%v kws=%v", enabled, kws)
	}
}
