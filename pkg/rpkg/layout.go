package rpkg

import (
	"path"
	"sort"
	"strings"
)

// Category is a kind of source file inside an R package
type Category int

const (
	CategoryOther Category = iota
	CategoryCode
	CategoryNative
	CategoryData
	CategoryAux
)

func (c Category) String() string {
	switch c {
	case CategoryCode:
		return "code"
	case CategoryNative:
		return "native"
	case CategoryData:
		return "data"
	case CategoryAux:
		return "aux"
	}
	return "other"
}

// Layout is the classified source tree of a package
type Layout struct {
	Code   []string
	Native []string
	Data   []string
	// Aux maps files below inst/ to their path inside the installed package
	Aux   map[string]string
	Other []string
}

// Classify returns the category of a source path relative to the package root
func Classify(src string) Category {
	src = path.Clean(strings.ReplaceAll(src, "\\", "/"))
	top := src
	if pos := strings.Index(src, "/"); pos > -1 {
		top = src[:pos]
	} else {
		return CategoryOther
	}

	switch top {
	case "R":
		return CategoryCode
	case "src":
		return CategoryNative
	case "data":
		return CategoryData
	case "inst":
		return CategoryAux
	}
	return CategoryOther
}

// ClassifySources sorts the given sources (relative to the package root) into their categories
func ClassifySources(srcs []string) Layout {
	layout := Layout{Aux: map[string]string{}}

	for _, src := range srcs {
		clean := path.Clean(strings.ReplaceAll(src, "\\", "/"))
		switch Classify(clean) {
		case CategoryCode:
			layout.Code = append(layout.Code, clean)
		case CategoryNative:
			layout.Native = append(layout.Native, clean)
		case CategoryData:
			layout.Data = append(layout.Data, clean)
		case CategoryAux:
			layout.Aux[clean] = strings.TrimPrefix(clean, "inst/")
		default:
			layout.Other = append(layout.Other, clean)
		}
	}

	return layout
}

// ProducedFiles returns the paths R CMD INSTALL creates for a package named pkgName inside installDir.
// The list has to match exactly what the installer produces since it's declared ahead of time.
func (l Layout) ProducedFiles(installDir, pkgName string) []string {
	files := []string{
		path.Join(installDir, "DESCRIPTION"),
		path.Join(installDir, "NAMESPACE"),
		path.Join(installDir, "Meta"),
		path.Join(installDir, "help"),
		path.Join(installDir, "html"),
	}

	if len(l.Code) > 0 {
		files = append(files, path.Join(installDir, "R"))
	}

	if len(l.Native) > 0 {
		files = append(files, path.Join(installDir, "libs", pkgName+".so"))
	}

	if len(l.Data) > 0 {
		files = append(files, path.Join(installDir, "data"))
	}

	aux := make([]string, 0, len(l.Aux))
	for _, dest := range l.Aux {
		aux = append(aux, dest)
	}
	sort.Strings(aux)
	for _, dest := range aux {
		files = append(files, path.Join(installDir, dest))
	}

	return files
}
