package redis

import "testing"

func TestParseURL(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    Options
		wantErr bool
	}{
		{
			name: "host only gets default port and db",
			raw:  "redis://cache.internal",
			want: Options{Addr: "cache.internal:6379"},
		},
		{
			name: "explicit port and namespace",
			raw:  "redis://cache.internal:7000/3",
			want: Options{Addr: "cache.internal:7000", DB: 3},
		},
		{
			name: "password in userinfo",
			raw:  "redis://:hunter2@10.0.0.5/1",
			want: Options{Addr: "10.0.0.5:6379", Password: "hunter2", DB: 1},
		},
		{
			name: "bare userinfo treated as password",
			raw:  "redis://hunter2@10.0.0.5",
			want: Options{Addr: "10.0.0.5:6379", Password: "hunter2"},
		},
		{name: "wrong scheme", raw: "http://cache.internal", wantErr: true},
		{name: "missing host", raw: "redis:///2", wantErr: true},
		{name: "namespace not a number", raw: "redis://cache.internal/two", wantErr: true},
		{name: "negative namespace", raw: "redis://cache.internal/-1", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseURL(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseURL(%q) expected error, got %+v", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseURL(%q) error = %v, wantErr nil", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("ParseURL(%q) got = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}
