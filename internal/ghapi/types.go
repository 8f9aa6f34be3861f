package ghapi

const (
	TypeFile = "file"
	TypeDir  = "dir"

	// PerPage is the listing page size requested from the contents endpoint.
	PerPage = 100
)

// ContentItem is one element of a contents listing.
type ContentItem struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Path        string `json:"path"` // repository-relative
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

// DirectoryPage is a single page of a directory listing.
type DirectoryPage struct {
	Items    []ContentItem
	Page     int
	LastPage int // 1 when the response carried no pagination links
}

// User is the subset of GET /user used for token validation.
type User struct {
	Login string `json:"login"`
}
