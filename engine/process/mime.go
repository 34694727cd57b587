package process

import "github.com/civilnas/indexer/engine/domain"

// mimeTypes maps extensions to MIME types for the formats the pipeline sees.
var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".xdw":  "application/vnd.fujixerox.docuworks",
	".xbd":  "application/vnd.fujixerox.docuworks.binder",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".zip":  "application/zip",
	".lzh":  "application/x-lzh-compressed",
	".7z":   "application/x-7z-compressed",
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".exe":  "application/vnd.microsoft.portable-executable",
}

// MimeType returns the MIME type for a file name, empty when unknown.
func MimeType(fileName string) string {
	return mimeTypes[domain.Extension(fileName)]
}

// ImageExtensions are the formats the image processor handles.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// OfficeExtensions are the formats converted through the external converter.
var OfficeExtensions = []string{".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx"}

// DocuWorksExtensions are routed to the Windows-side converter queue.
var DocuWorksExtensions = []string{".xdw", ".xbd"}

// MetadataOnlyExtensions are never text-extractable but still indexed with
// identity metadata: archives, media, executables.
var MetadataOnlyExtensions = []string{".zip", ".lzh", ".7z", ".mp4", ".avi", ".mov", ".mp3", ".wav", ".exe"}

// IsImageExtension reports whether ext has the image pipeline.
func IsImageExtension(ext string) bool {
	for _, e := range ImageExtensions {
		if e == ext {
			return true
		}
	}
	return false
}
