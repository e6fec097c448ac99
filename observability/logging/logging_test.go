package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetupRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := setup(&buf, "channeld", "test", slog.LevelInfo)
	logger.Info("Loaded identity",
		slog.String("xprv", "xprv9s21ZrQH143K..."),
		slog.String("HMAC_Secret", "hunter2"),
		slog.String("multisig", "0xabc"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["xprv"] != RedactedValue || line["HMAC_Secret"] != RedactedValue {
		t.Fatalf("secrets not redacted: %v", line)
	}
	if line["multisig"] != "0xabc" {
		t.Fatalf("unexpected multisig value: %v", line["multisig"])
	}
	if line["service"] != "channeld" || line["severity"] != "INFO" || line["message"] != "Loaded identity" {
		t.Fatalf("unexpected envelope: %v", line)
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("protocol", "install"); attr.Value.String() != "install" {
		t.Fatalf("allowlisted key masked: %v", attr)
	}
	if attr := MaskField("xpub", "xpub661MyMwAqRbc"); attr.Value.String() != RedactedValue {
		t.Fatalf("non-allowlisted key not masked: %v", attr)
	}
	if attr := MaskField("xpub", " "); attr.Value.String() != " " {
		t.Fatalf("empty value should pass through: %v", attr)
	}
	if MaskValue("secret") != RedactedValue || MaskValue("") != "" {
		t.Fatalf("unexpected MaskValue behaviour")
	}
}
