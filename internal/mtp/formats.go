package mtp

import "strings"

// ObjectFormatCode identifies an object's content format (MTP 1.1
// Annex D.1).
type ObjectFormatCode uint16

const (
	FormatUndefined       ObjectFormatCode = 0x3000
	FormatAssociation     ObjectFormatCode = 0x3001
	FormatScript          ObjectFormatCode = 0x3002
	FormatExecutable      ObjectFormatCode = 0x3003
	FormatText            ObjectFormatCode = 0x3004
	FormatHTML            ObjectFormatCode = 0x3005
	FormatDPOFFile        ObjectFormatCode = 0x3006
	FormatAIFF            ObjectFormatCode = 0x3007
	FormatWAV             ObjectFormatCode = 0x3008
	FormatMP3             ObjectFormatCode = 0x3009
	FormatAVI             ObjectFormatCode = 0x300A
	FormatMPEG            ObjectFormatCode = 0x300B
	FormatASF             ObjectFormatCode = 0x300C
	FormatEXIFJPEG        ObjectFormatCode = 0x3801
	FormatTIFFEP          ObjectFormatCode = 0x3802
	FormatBMP             ObjectFormatCode = 0x3804
	FormatGIF             ObjectFormatCode = 0x3807
	FormatJFIF            ObjectFormatCode = 0x3808
	FormatPNG             ObjectFormatCode = 0x380B
	FormatTIFF            ObjectFormatCode = 0x380D
	FormatJP2             ObjectFormatCode = 0x380F
	FormatJPX             ObjectFormatCode = 0x3810
	FormatUndefinedAudio  ObjectFormatCode = 0xB900
	FormatWMA             ObjectFormatCode = 0xB901
	FormatOGG             ObjectFormatCode = 0xB902
	FormatAAC             ObjectFormatCode = 0xB903
	FormatFLAC            ObjectFormatCode = 0xB906
	FormatUndefinedVideo  ObjectFormatCode = 0xB980
	FormatWMV             ObjectFormatCode = 0xB981
	FormatMP4Container    ObjectFormatCode = 0xB982
	FormatMP2             ObjectFormatCode = 0xB983
	FormatM3U             ObjectFormatCode = 0xBA01
	FormatPLSPlaylist     ObjectFormatCode = 0xBA02
	FormatAbstractAudioVideoPlaylist ObjectFormatCode = 0xBA05
)

// extensionFormats maps lower-case file extensions (without the dot) to
// format codes. Unknown extensions infer Undefined.
var extensionFormats = map[string]ObjectFormatCode{
	"txt":  FormatText,
	"htm":  FormatHTML,
	"html": FormatHTML,
	"aif":  FormatAIFF,
	"aiff": FormatAIFF,
	"wav":  FormatWAV,
	"mp3":  FormatMP3,
	"avi":  FormatAVI,
	"mpg":  FormatMPEG,
	"mpeg": FormatMPEG,
	"asf":  FormatASF,
	"jpg":  FormatEXIFJPEG,
	"jpeg": FormatEXIFJPEG,
	"tif":  FormatTIFF,
	"tiff": FormatTIFF,
	"bmp":  FormatBMP,
	"gif":  FormatGIF,
	"png":  FormatPNG,
	"jp2":  FormatJP2,
	"jpx":  FormatJPX,
	"wma":  FormatWMA,
	"ogg":  FormatOGG,
	"aac":  FormatAAC,
	"flac": FormatFLAC,
	"wmv":  FormatWMV,
	"mp4":  FormatMP4Container,
	"m4a":  FormatMP4Container,
	"m4v":  FormatMP4Container,
	"mp2":  FormatMP2,
	"m3u":  FormatM3U,
	"pls":  FormatPLSPlaylist,
	"pla":  FormatAbstractAudioVideoPlaylist,
}

// InferFormat maps a filename's extension to an object format code.
// isDir short-circuits to FormatAssociation. Unknown extensions map to
// FormatUndefined.
func InferFormat(filename string, isDir bool) ObjectFormatCode {
	if isDir {
		return FormatAssociation
	}
	ext := filename
	if i := strings.LastIndexByte(filename, '.'); i >= 0 && i < len(filename)-1 {
		ext = filename[i+1:]
	} else {
		return FormatUndefined
	}
	if f, ok := extensionFormats[strings.ToLower(ext)]; ok {
		return f
	}
	return FormatUndefined
}

// IsPlaylistFormat reports whether format denotes a playlist file whose
// entries should be parsed into object references.
func IsPlaylistFormat(f ObjectFormatCode) bool {
	return f == FormatM3U || f == FormatPLSPlaylist || f == FormatAbstractAudioVideoPlaylist
}
