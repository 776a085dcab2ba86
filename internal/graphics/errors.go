package graphics

import "errors"

var (
	ErrNoManifest      = errors.New("no graphic manifest found")
	ErrNotGraphicDir   = errors.New("folder is not a graphic package folder")
	ErrUnsafeZipEntry  = errors.New("zip entry escapes the extraction directory")
	ErrUnsupportedType = errors.New("unsupported upload content type")
)
