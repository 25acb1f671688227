// Package web 内嵌Anchor控制台的前端构建产物，构建时放入dist目录
package web

import (
	"embed"
	"io/fs"
)

//go:embed all:dist
var dist embed.FS

func Assets() fs.FS {
	sub, _ := fs.Sub(dist, "dist")
	return sub
}
