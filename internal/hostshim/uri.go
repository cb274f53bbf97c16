package hostshim

import (
	"errors"
	"net/url"
	"path"
	"path/filepath"
)

// URI is the subset of the host's URI type extensions use to locate
// resources and storage.
type URI struct {
	Scheme    string
	Authority string
	Path      string
	Query     string
	Fragment  string
}

func FileURI(p string) URI {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return URI{Scheme: "file", Path: filepath.ToSlash(filepath.Clean(p))}
}

func ParseURI(s string) (URI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return URI{}, err
	}
	if u.Scheme == "" {
		return URI{}, errors.New("hostshim: uri has no scheme")
	}
	return URI{
		Scheme:    u.Scheme,
		Authority: u.Host,
		Path:      u.Path,
		Query:     u.RawQuery,
		Fragment:  u.Fragment,
	}, nil
}

func (u URI) IsZero() bool { return u == URI{} }

func (u URI) JoinPath(parts ...string) URI {
	u.Path = path.Join(append([]string{u.Path}, parts...)...)
	return u
}

// FSPath is the platform path for file URIs.
func (u URI) FSPath() string {
	return filepath.FromSlash(u.Path)
}

func (u URI) String() string {
	if u.IsZero() {
		return ""
	}
	return (&url.URL{
		Scheme:   u.Scheme,
		Host:     u.Authority,
		Path:     u.Path,
		RawQuery: u.Query,
		Fragment: u.Fragment,
	}).String()
}

// Paths are the locations the host hands an extension at activation.
type Paths struct {
	ExtensionURI        URI
	GlobalStorageURI    URI
	WorkspaceStorageURI URI
	LogURI              URI
	WorkspaceFolder     URI
}
