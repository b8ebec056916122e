package extract

// Google Workspace and upload mime types the pipeline dispatches on.
const (
	MimeGoogleDoc   = "application/vnd.google-apps.document"
	MimeGoogleSheet = "application/vnd.google-apps.spreadsheet"
	MimePDF         = "application/pdf"
	MimeDocx        = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXlsx        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeHTML        = "text/html"
)

// FileKind selects the extractor for a file.
type FileKind int

const (
	KindUnsupported FileKind = iota
	KindDoc                  // export as HTML, DocExtractor
	KindPDF                  // download, PDFExtractor
	KindImage                // download, ImageExtractor
	KindSheet                // export/download xlsx, SheetExtractor
	KindDocx                 // download, DocxExtractor
)

// visionMimes are the image formats the vision model accepts.
var visionMimes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Classify maps a mime type to its extractor kind. Anything unmapped is
// Unsupported and the file is skipped.
func Classify(mimeType string) FileKind {
	switch mimeType {
	case MimeGoogleDoc, MimeHTML:
		return KindDoc
	case MimePDF:
		return KindPDF
	case MimeGoogleSheet, MimeXlsx:
		return KindSheet
	case MimeDocx:
		return KindDocx
	default:
		if visionMimes[mimeType] {
			return KindImage
		}
		return KindUnsupported
	}
}
