package main

import (
	formatter "github.com/bluexlab/logrus-formatter"
	"github.com/openebl/idsreg/pkg/cli"
)

func main() {
	formatter.InitLogger()
	app := cli.App{}
	app.Run()
}
