package dispatch

import (
	"path/filepath"
	"strings"
)

// DefaultMIMEType is sent for extensions missing from the table.
const DefaultMIMEType = "application/octet-stream"

var mimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".avif": "image/avif",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".txt":  "text/plain",
	".glb":  "model/gltf-binary",
}

// MIMEType returns the content type for a file name. The table is fixed
// so results do not depend on the host's mime.types.
func MIMEType(name string) string {
	if t, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return DefaultMIMEType
}
