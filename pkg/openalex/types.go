package openalex

// Work is the raw, decoded form of a single OpenAlex work. Only the fields
// the producer needs for envelope construction are mapped; everything else in
// the source JSON is ignored. A Work is never mutated after it is fetched.
type Work struct {
	ID              string       `json:"id"`
	DOI             string       `json:"doi"`
	Title           string       `json:"title"`
	PublicationYear int          `json:"publication_year"`
	UpdatedDate     string       `json:"updated_date"`
	CreatedDate     string       `json:"created_date"`
	HostVenue       *HostVenue   `json:"host_venue"`
	Authorships     []Authorship `json:"authorships"`
	Email           string       `json:"email"`
}

// HostVenue carries the display name of the venue that hosts a work.
type HostVenue struct {
	DisplayName string `json:"display_name"`
}

// Authorship links a work to one author.
type Authorship struct {
	Author *Author `json:"author"`
}

// Author carries the display name of an author.
type Author struct {
	DisplayName string `json:"display_name"`
}

// PrimaryAuthor returns the display name of the first listed author, or the
// empty string when the work carries no usable authorship.
func (w *Work) PrimaryAuthor() string {
	if len(w.Authorships) == 0 || w.Authorships[0].Author == nil {
		return ""
	}
	return w.Authorships[0].Author.DisplayName
}

// worksPage mirrors the shape of an OpenAlex /works response.
type worksPage struct {
	Meta struct {
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
	Results []Work `json:"results"`
}
