// teras trains and evaluates a biaffine dependency-arc scorer on a synthetic treebank, and lists
// the compute devices of the host.
//
// Example:
//
//	$ teras -devices
//	$ teras -model="mlp_dim=128,checkpoint=~/tmp/teras" -train_steps=500 -save
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/janpfeifer/must"
	"github.com/janpfeifer/teras/internal/devices"
	"github.com/janpfeifer/teras/internal/models"
	"github.com/janpfeifer/teras/internal/parameters"
	"github.com/janpfeifer/teras/internal/profilers"
	"github.com/janpfeifer/teras/internal/ui/cli"
	"github.com/janpfeifer/teras/internal/ui/spinning"
	"k8s.io/klog/v2"
)

// Flags
var (
	flagDevices = flag.Bool("devices", false, "List the CPU and GPUs of the host and exit.")
	flagModel   = flag.String("model", "", "Configuration of the model, e.g.: \"mlp_dim=128,mlp_activation=swish,checkpoint=<dir>\". "+
		"Use \"help\" to list the hyperparameters.")
	flagSave = flag.Bool("save", false, "Save the model to its checkpoint directory after training.")
)

// Globals
var (
	// globalCtx is cancelled when the program is about to exit either by an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	must.M(profilers.Setup(globalCtx))
	defer profilers.OnQuit()

	report := cli.New(os.Stdout, cli.IsTerminal())
	if *flagDevices {
		report.Inventory(must.M1(new(devices.Querier).Query(globalCtx)))
		return
	}

	params := parameters.NewFromConfigString(*flagModel)
	if _, found := params["help"]; found {
		delete(params, "help")
		s := must.M1(models.New(params))
		fmt.Printf("Hyperparameters of %s:\n%s", s, s.HyperparametersHelp())
		return
	}
	scorer := must.M1(models.New(params))
	defer scorer.Finalize()
	klog.Infof("Model: %s", scorer)

	trainCorpus, evalCorpus := must.M2(createCorpora(scorer))
	must.M(train(globalCtx, scorer, trainCorpus))
	if globalCtx.Err() != nil {
		// Interrupted.
		return
	}
	report.Accuracy(must.M2(evaluate(globalCtx, scorer, evalCorpus)))
	if *flagSave {
		must.M(scorer.Save())
	}
}
