package source

import "fmt"

// Spec selects and configures a source, as given on the command line or in an API request.
type Spec struct {
	Type   string `json:"type"`             // "dir" or "http"
	Path   string `json:"path,omitempty"`   // dir
	URL    string `json:"url,omitempty"`    // http
	Folder string `json:"folder,omitempty"` // http
	Token  string `json:"token,omitempty"`  // http
}

// Open builds the source described by spec.
func Open(spec Spec, httpOpts HTTPOptions) (Source, error) {
	switch spec.Type {
	case "", "dir":
		if spec.Path == "" {
			return nil, fmt.Errorf("dir source requires a path")
		}
		return NewDirSource(spec.Path)
	case "http":
		if spec.Token != "" {
			httpOpts.Token = spec.Token
		}
		return NewHTTPSource(spec.URL, spec.Folder, httpOpts)
	default:
		return nil, fmt.Errorf("unknown source type %q", spec.Type)
	}
}
