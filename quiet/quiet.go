// Package quiet keeps glog off stderr. Tests import it for its side
// effect; log files are still written.
package quiet

import (
	"flag"

	_ "github.com/golang/glog"
)

func init() {
	if err := flag.Set("stderrthreshold", "FATAL"); err != nil {
		panic(err)
	}
	if err := flag.Set("alsologtostderr", "false"); err != nil {
		panic(err)
	}
}
