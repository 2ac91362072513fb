// Package filetype checks inputs by their magic bytes.
package filetype

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/errs"
)

const MIMEPDF = "application/pdf"

// Info describes a detected file.
type Info struct {
	MIMEType    string
	Extension   string
	Supported   bool
	Description string
}

// Detect reads the file's magic bytes; the filename is never trusted.
func Detect(path string) (Info, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to detect file type: %w", err)
	}
	info := Info{MIMEType: mtype.String(), Extension: mtype.Extension()}
	classify(&info, mtype)
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Str("file", path).Msg("detected file type")
	return info, nil
}

// DetectBytes is Detect for data already in memory, such as an upload header.
func DetectBytes(data []byte) Info {
	mtype := mimetype.Detect(data)
	info := Info{MIMEType: mtype.String(), Extension: mtype.Extension()}
	classify(&info, mtype)
	return info
}

func classify(info *Info, mtype *mimetype.MIME) {
	switch {
	case mtype.Is(MIMEPDF):
		info.Supported = true
		info.Description = "PDF document"
	case mtype.Is("application/x-empty"):
		info.Description = "Empty file"
	default:
		info.Description = fmt.Sprintf("Unsupported file type: %s", info.MIMEType)
	}
}

// RequirePDF returns a configuration error unless path is a PDF.
func RequirePDF(path string) error {
	info, err := Detect(path)
	if err != nil {
		return errs.Config("input", "%v", err)
	}
	if !info.Supported {
		return errs.Config("input", "%s is not a PDF (%s)", path, info.Description)
	}
	return nil
}
