package ioc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatlink/internal/models"
)

func byType(inds []models.Indicator, t models.IndicatorType) []string {
	var out []string
	for _, ind := range inds {
		if ind.Type == t {
			out = append(out, ind.Value)
		}
	}
	return out
}

func TestExtract_C2Sentence(t *testing.T) {
	inds := Extract("C2 at 10.1.2.3 using evil.example.com, hash 5d41402abc4b2a76b9719d911017c592")

	require.Len(t, inds, 3)
	assert.Equal(t, []string{"10.1.2.3"}, byType(inds, models.IndicatorIP))
	assert.Equal(t, []string{"evil.example.com"}, byType(inds, models.IndicatorDomain))
	assert.Equal(t, []string{"5d41402abc4b2a76b9719d911017c592"}, byType(inds, models.IndicatorHash))
	assert.Empty(t, byType(inds, models.IndicatorURL))
	assert.Equal(t, "md5", inds[2].Context)
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		ips     []string
		domains []string
		hashes  []string
		urls    []string
	}{
		{
			name: "empty input",
			text: "",
		},
		{
			name: "no indicators",
			text: "user logged in successfully",
		},
		{
			name: "invalid octets are not ips",
			text: "version 999.1.2.3 and 10.0.0.256",
		},
		{
			name:    "url also yields host domain",
			text:    "beacon to https://cdn.bad-actor.net/stage2?id=1.",
			domains: []string{"cdn.bad-actor.net"},
			urls:    []string{"https://cdn.bad-actor.net/stage2?id=1"},
		},
		{
			name:   "sha1 and sha256",
			text:   "sha1 a94a8fe5ccb19ba61c4c0873d391e987982fbbd3 sha256 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
			hashes: []string{"a94a8fe5ccb19ba61c4c0873d391e987982fbbd3", "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"},
		},
		{
			name: "file names are not domains",
			text: "powershell.exe spawned from invoice.pdf",
		},
		{
			name:    "duplicates removed",
			text:    "8.8.8.8 then 8.8.8.8 then Evil.COM and evil.com",
			ips:     []string{"8.8.8.8"},
			domains: []string{"evil.com"},
		},
		{
			name: "dotted version strings are not ips",
			text: "agent 1.2.3.4.5 and build 9.10.0.1.2",
		},
		{
			name: "ip at sentence end",
			text: "connection from 10.0.0.1. Blocked 10.0.0.2, then 10.0.0.3:443",
			ips:  []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		},
		{
			name:   "hash embedded in longer hex run is ignored",
			text:   "5d41402abc4b2a76b9719d911017c592ff",
			hashes: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inds := Extract(tt.text)
			require.NotNil(t, inds)
			assert.Equal(t, tt.ips, byType(inds, models.IndicatorIP))
			assert.Equal(t, tt.domains, byType(inds, models.IndicatorDomain))
			assert.Equal(t, tt.hashes, byType(inds, models.IndicatorHash))
			assert.Equal(t, tt.urls, byType(inds, models.IndicatorURL))
		})
	}
}

func TestExtractFrom_StructuredPayload(t *testing.T) {
	payload := map[string]any{
		"kibana.alert.rule.name": "Outbound beacon",
		"source":                 map[string]any{"ip": "192.168.10.5"},
		"destination":            []any{"203.0.113.7", "update.malware.io"},
		"count":                  42,
	}

	inds := ExtractFrom(payload)

	assert.Equal(t, []string{"203.0.113.7", "192.168.10.5"}, byType(inds, models.IndicatorIP))
	assert.Equal(t, []string{"update.malware.io"}, byType(inds, models.IndicatorDomain))
}

func TestExtractFrom_Nil(t *testing.T) {
	inds := ExtractFrom(nil)
	assert.NotNil(t, inds)
	assert.Empty(t, inds)
}

func TestExtractJSON_NotJSON(t *testing.T) {
	inds := ExtractJSON([]byte("plain text with 172.16.0.1"))
	assert.Equal(t, []string{"172.16.0.1"}, byType(inds, models.IndicatorIP))
}

func TestExtractJSON_AssetFields(t *testing.T) {
	raw := []byte(`{
		"event_id": "n-1",
		"src_ip": "198.51.100.23",
		"dest": "10.20.0.4",
		"host": {"name": "ws-04.corp.example"},
		"query": "evil-c2.example.net",
		"dvc_ip": "198.51.100.23"
	}`)

	inds := ExtractJSON(raw)
	ctx := map[string]string{}
	for _, ind := range inds {
		ctx[ind.Value] = ind.Context
	}

	assert.Equal(t, map[string]string{
		"198.51.100.23":       "",
		"evil-c2.example.net": "",
		"10.20.0.4":           models.IndicatorContextAsset,
		"ws-04.corp.example":  models.IndicatorContextAsset,
	}, ctx, "a value seen outside asset fields stays an observable")
}

func TestIsAssetField(t *testing.T) {
	for path, want := range map[string]bool{
		"dest":                   true,
		"Computer":               true,
		"host.name":              true,
		"_source.host.ip":        true,
		"result.dest_nt_host":    true,
		"destination":            false,
		"destination.ip":         false,
		"src_ip":                 false,
		"kibana.alert.rule.name": false,
		"":                       false,
	} {
		assert.Equal(t, want, isAssetField(path), path)
	}
}
