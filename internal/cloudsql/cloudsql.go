package cloudsql

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildDatabaseURL resolves the PostgreSQL connection string from the
// environment. DATABASE_URL wins when set; otherwise INSTANCE_CONNECTION_NAME
// with DB_USER and DB_NAME selects the Cloud SQL unix socket mounted at
// /cloudsql/<instance>. DB_PASSWORD is optional for IAM authentication.
func BuildDatabaseURL(getenv func(string) string) (string, error) {
	if dbURL := getenv("DATABASE_URL"); dbURL != "" {
		return dbURL, nil
	}

	instance := getenv("INSTANCE_CONNECTION_NAME")
	if instance == "" {
		return "", fmt.Errorf("neither DATABASE_URL nor INSTANCE_CONNECTION_NAME is set")
	}

	user, name := getenv("DB_USER"), getenv("DB_NAME")
	if user == "" || name == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	parts := []string{
		"host=" + socketPath(instance),
		"user=" + quote(user),
	}
	if password := getenv("DB_PASSWORD"); password != "" {
		parts = append(parts, "password="+quote(password))
	}
	parts = append(parts, "dbname="+quote(name), "sslmode=disable")
	return strings.Join(parts, " "), nil
}

// Describe returns connection details safe to log.
func Describe(getenv func(string) string) map[string]string {
	details := make(map[string]string)

	switch {
	case getenv("DATABASE_URL") != "":
		details["connection_type"] = "direct"
		details["database_url"] = RedactPassword(getenv("DATABASE_URL"))
	case getenv("INSTANCE_CONNECTION_NAME") != "":
		instance := getenv("INSTANCE_CONNECTION_NAME")
		details["connection_type"] = "cloud_sql"
		details["instance"] = instance
		details["user"] = getenv("DB_USER")
		details["database"] = getenv("DB_NAME")
		details["socket_path"] = socketPath(instance)
	default:
		details["connection_type"] = "none"
	}

	return details
}

// RedactPassword masks the password of a postgres:// URL.
func RedactPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.User == nil {
		return connStr
	}
	if _, ok := u.User.Password(); !ok {
		return connStr
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return strings.Replace(u.String(), "xxxxx", "***", 1)
}

func socketPath(instance string) string {
	return "/cloudsql/" + instance
}

// quote escapes a keyword/value connection string value.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
