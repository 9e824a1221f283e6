package cloudsql

import (
	"strings"
	"testing"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestBuildDatabaseURL(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    string
		wantErr bool
	}{
		{
			name: "direct url wins",
			env: map[string]string{
				"DATABASE_URL":             "postgres://u:p@localhost:5432/ingest",
				"INSTANCE_CONNECTION_NAME": "proj:region:db",
			},
			want: "postgres://u:p@localhost:5432/ingest",
		},
		{
			name: "cloud sql with password",
			env: map[string]string{
				"INSTANCE_CONNECTION_NAME": "proj:region:db",
				"DB_USER":                  "ingest",
				"DB_PASSWORD":              "s3cret",
				"DB_NAME":                  "lessons",
			},
			want: "host=/cloudsql/proj:region:db user=ingest password=s3cret dbname=lessons sslmode=disable",
		},
		{
			name: "cloud sql iam auth",
			env: map[string]string{
				"INSTANCE_CONNECTION_NAME": "proj:region:db",
				"DB_USER":                  "sa@proj.iam",
				"DB_NAME":                  "lessons",
			},
			want: "host=/cloudsql/proj:region:db user=sa@proj.iam dbname=lessons sslmode=disable",
		},
		{
			name: "password needing quotes",
			env: map[string]string{
				"INSTANCE_CONNECTION_NAME": "proj:region:db",
				"DB_USER":                  "ingest",
				"DB_PASSWORD":              "it's a pass",
				"DB_NAME":                  "lessons",
			},
			want: `host=/cloudsql/proj:region:db user=ingest password='it\'s a pass' dbname=lessons sslmode=disable`,
		},
		{
			name:    "nothing set",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name:    "missing user",
			env:     map[string]string{"INSTANCE_CONNECTION_NAME": "proj:region:db", "DB_NAME": "lessons"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildDatabaseURL(envMap(tt.env))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildDatabaseURL returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildDatabaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescribeRedactsPassword(t *testing.T) {
	details := Describe(envMap(map[string]string{"DATABASE_URL": "postgres://ingest:hunter2@db:5432/lessons"}))

	if details["connection_type"] != "direct" {
		t.Errorf("unexpected connection type %q", details["connection_type"])
	}
	if strings.Contains(details["database_url"], "hunter2") {
		t.Errorf("password leaked: %q", details["database_url"])
	}
	if details["database_url"] != "postgres://ingest:***@db:5432/lessons" {
		t.Errorf("unexpected redacted url %q", details["database_url"])
	}
}

func TestDescribeWithoutConfig(t *testing.T) {
	if got := Describe(envMap(nil))["connection_type"]; got != "none" {
		t.Errorf("expected connection type none, got %q", got)
	}
}
