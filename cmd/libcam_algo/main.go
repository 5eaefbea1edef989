// Command libcam_algo builds the fake vendor algorithm as a plugin:
//
//	go build -buildmode=plugin -o libcam_algo.so ./cmd/libcam_algo
package main

import (
	"github.com/chromiumos/camalgo/algo"
	"github.com/chromiumos/camalgo/algo/fake"
)

// CAMI is looked up by the algorithm server.
var CAMI algo.Ops = fake.New()

func main() {}
