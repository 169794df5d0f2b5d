// ev3app is the on-device process: it boots the embedded application and
// exits with the loader's status (0 clean, 1 script exception, 128 no VM).
package main

import (
	"os"

	"github.com/tliron/kutil/util"

	"github.com/chazu/ev3boot/app"
	"github.com/chazu/ev3boot/loader"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	// util.Exit flushes the log backend before exiting
	util.Exit(loader.Boot(app.Manifest, app.Image, os.Stdout, os.Stderr))
}
