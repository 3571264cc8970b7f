// Package security holds the TLS settings shared by the HTTP bridge, the
// Knowledge store client and the NATS transport.
package security

// ServerTLS secures a listening endpoint. Client certificates are verified
// against ClientCAFiles when any are given.
type ServerTLS struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"

	ClientCAFiles     []string `json:"client_ca_files,omitempty" yaml:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
}

// MutualTLS reports whether client certificates are checked.
func (c ServerTLS) MutualTLS() bool { return len(c.ClientCAFiles) > 0 }

// ClientTLS secures an outgoing connection. The system CA bundle is always
// trusted; CAFiles are added to it.
type ClientTLS struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	ServerName         string   `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"` // tests only
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`

	// Client certificate presented to servers requiring mutual TLS.
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}
