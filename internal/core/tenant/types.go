// Package tenant provides access to the per-tenant source databases.
// Each tenant owns an isolated PostgreSQL database described by the shared registry.
package tenant

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Status represents tenant lifecycle state.
type Status string

const (
	// StatusActive - tenant is replicated
	StatusActive Status = "active"

	// StatusSuspended - tenant is skipped until re-activated
	StatusSuspended Status = "suspended"
)

// Tenant is one registry entry: the connection coordinates of a tenant database.
type Tenant struct {
	ID         int64  `json:"-"`
	DBHost     string `json:"db_host"`
	DBPort     int    `json:"db_port"`
	DBName     string `json:"db_name"`
	DBUser     string `json:"db_user"`
	DBPassword string `json:"db_password"`
	Status     Status `json:"status"`
}

// IsActive returns true if tenant should be replicated.
// Entries without an explicit status are treated as active.
func (t *Tenant) IsActive() bool {
	return t.Status == "" || t.Status == StatusActive
}

// ConnDefaults fills the gaps of registry entries that omit host, port or credentials.
type ConnDefaults struct {
	Host     string
	Port     int
	User     string
	Password string
	SSLMode  string
}

// DSN builds the PostgreSQL connection string for this tenant's database.
func (t *Tenant) DSN(d ConnDefaults) string {
	host, port := t.DBHost, t.DBPort
	if host == "" {
		host = d.Host
	}
	if port == 0 {
		port = d.Port
	}
	user, password := t.DBUser, t.DBPassword
	if user == "" {
		user, password = d.User, d.Password
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + t.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}

// String returns a log-safe description without credentials.
func (t *Tenant) String() string {
	return fmt.Sprintf("tenant %d (%s:%d/%s)", t.ID, t.DBHost, t.DBPort, t.DBName)
}
