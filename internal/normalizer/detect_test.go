package normalizer

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/threatlink/internal/models"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		headers http.Header
		body    string
		want    models.SourceType
		ok      bool
	}{
		{
			name: "splunk alert action",
			body: `{"sid":"scheduler__admin_search_RMD5","search_name":"Brute Force","result":{"src":"10.0.0.1"}}`,
			want: models.SourceSplunk, ok: true,
		},
		{
			name:    "splunk user agent",
			headers: http.Header{"User-Agent": []string{"Splunk/9.1.2"}},
			body:    `{"result":{}}`,
			want:    models.SourceSplunk, ok: true,
		},
		{
			name: "sentinel",
			body: `{"WorkspaceId":"ws-1","SystemAlertId":"a1","AlertDisplayName":"Suspicious login"}`,
			want: models.SourceSentinel, ok: true,
		},
		{
			name: "sentinel collection",
			body: `{"value":[{"TenantId":"t-1","SystemAlertId":"a1"}]}`,
			want: models.SourceSentinel, ok: true,
		},
		{
			name: "qradar offense",
			body: `{"offense_id":42,"description":"Port scan"}`,
			want: models.SourceQRadar, ok: true,
		},
		{
			name:    "qradar header",
			headers: http.Header{"X-Qradar-Version": []string{"7.5"}},
			body:    `{"id":42}`,
			want:    models.SourceQRadar, ok: true,
		},
		{
			name: "elastic flattened",
			body: `{"kibana.alert.rule.name":"Malware","kibana.alert.uuid":"u1"}`,
			want: models.SourceElastic, ok: true,
		},
		{
			name:    "elastic vendor header",
			headers: http.Header{"X-Vendor": []string{"Elastic"}},
			body:    `{"rule":{"name":"x"}}`,
			want:    models.SourceElastic, ok: true,
		},
		{
			name: "generic",
			body: `{"alert":{"title":"Something odd","severity":"high"}}`,
			want: models.SourceGeneric, ok: true,
		},
		{
			name: "unrecognized",
			body: `{"foo":"bar"}`,
		},
		{
			name: "not json",
			body: `hello`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.headers
			if h == nil {
				h = http.Header{}
			}
			got, ok := Detect(h, []byte(tt.body))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetect_SplunkWinsOverGeneric(t *testing.T) {
	got, ok := Detect(http.Header{}, []byte(`{"sid":"1","alert":{"title":"x"}}`))
	assert.True(t, ok)
	assert.Equal(t, models.SourceSplunk, got)
}
