// Command capsmnist trains a capsule network on MNIST or
// on overlapping pairs of MNIST digits.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"

	"github.com/unixpickle/anycaps"
	"github.com/unixpickle/anycaps/capsdata"
	"github.com/unixpickle/anycaps/capsnet"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anysgd"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/mnist"
	"github.com/unixpickle/serializer"
)

type Flags struct {
	Arch      string
	Routing   int
	EvalMode  string
	OutFile   string
	Epochs    int
	BatchSize int
	LR        float64
	LRDecay   float64
	Seed      int64
	Debug     bool

	MultiCount int
}

func main() {
	var f Flags
	flag.StringVar(&f.Arch, "arch", "efficient", "architecture (efficient, multi, or original)")
	flag.IntVar(&f.Routing, "routing", 3, "routing iterations for the original architecture")
	flag.StringVar(&f.EvalMode, "mode", "test", "evaluation mode (train, test, or play)")
	flag.StringVar(&f.OutFile, "out", "capsnet_out", "model output file")
	flag.IntVar(&f.Epochs, "epochs", 10, "number of training epochs")
	flag.IntVar(&f.BatchSize, "batch", 16, "mini-batch size")
	flag.Float64Var(&f.LR, "lr", 5e-3, "initial learning rate")
	flag.Float64Var(&f.LRDecay, "decay", 0.98, "learning rate decay per epoch")
	flag.Int64Var(&f.Seed, "seed", 42, "random seed")
	flag.BoolVar(&f.Debug, "debug", false, "log capsule statistics for every batch")
	flag.IntVar(&f.MultiCount, "multicount", 10000, "overlaid images per dataset (multi only)")
	flag.Parse()

	evalMode, err := capsnet.ParseMode(f.EvalMode)
	if err != nil {
		essentials.Die(err)
	}

	c := anyvec32.CurrentCreator()
	r := rand.New(rand.NewSource(f.Seed))

	log.Println("Setting up model...")
	model, err := loadOrCreate(c, &f, r)
	if err != nil {
		essentials.Die(err)
	}

	log.Println("Loading data...")
	train, test, err := loadData(c, &f, r)
	if err != nil {
		essentials.Die(err)
	}

	trainer := &capsnet.Trainer{
		Model:  model,
		Params: model.Parameters(),
	}
	router := model.Router
	if f.Debug {
		model.Router = anynet.Net{router, &anycaps.Debug{
			Writer:    os.Stderr,
			ID:        "class capsules",
			PoseSize:  model.CapsDim,
			PrintMean: true,
			PrintMax:  true,
		}}
	}
	saveModel := func() {
		saved := *model
		saved.Router = router
		if err := serializer.SaveAny(f.OutFile, &saved); err != nil {
			essentials.Die(err)
		}
	}

	noiseRand := rand.New(rand.NewSource(f.Seed + 1))
	if f.Epochs <= 0 {
		evaluate(c, trainer, test, evalMode, f.BatchSize, noiseRand)
		return
	}

	done := make(chan struct{})
	counter := &epochCounter{Size: train.Len()}
	var iter int
	sgd := &anysgd.SGD{
		Fetcher:     trainer,
		Gradienter:  trainer,
		Transformer: &anysgd.Adam{},
		Samples:     train,
		Rater:       &capsnet.ExpRater{Rate0: f.LR, Decay: f.LRDecay},
		BatchSize:   f.BatchSize,
		StatusFunc: func(b anysgd.Batch) {
			if counter.Step(b.(*capsnet.Batch).Num) {
				log.Printf("finished epoch %d", counter.Epoch()-1)
				saveModel()
				evaluate(c, trainer, test, evalMode, f.BatchSize, noiseRand)
				if counter.Epoch() == f.Epochs {
					close(done)
					return
				}
			}
			if iter > 0 {
				log.Printf("epoch %d iter %d: cost=%v", counter.Epoch(), iter, trainer.LastCost)
			}
			iter++
		},
	}
	if err := sgd.Run(done); err != nil {
		essentials.Die(err)
	}
	saveModel()
}

// loadOrCreate loads the model saved at f.OutFile, or
// creates a new one if no file exists there.
//
// Unreadable or mismatched files are errors, so an
// existing model is never replaced by a fresh one.
func loadOrCreate(c anyvec.Creator, f *Flags, r *rand.Rand) (*capsnet.Model, error) {
	if _, err := os.Stat(f.OutFile); err == nil {
		var model *capsnet.Model
		if err := serializer.LoadAny(f.OutFile, &model); err != nil {
			return nil, essentials.AddCtx("load model", err)
		}
		if model.Double != (f.Arch == "multi") {
			return nil, fmt.Errorf("load model: %s does not hold a %q model", f.OutFile,
				f.Arch)
		}
		log.Println("Loaded existing model.")
		return model, nil
	} else if !os.IsNotExist(err) {
		return nil, essentials.AddCtx("load model", err)
	}
	switch f.Arch {
	case "efficient":
		return capsnet.NewEfficientMNIST(c, r)
	case "multi":
		return capsnet.NewEfficientMultiMNIST(c, r)
	case "original":
		return capsnet.NewOriginalMNIST(c, anycaps.AgreementRouting(f.Routing), r)
	default:
		return nil, fmt.Errorf("create model: unknown architecture: %s", f.Arch)
	}
}

func loadData(c anyvec.Creator, f *Flags, r *rand.Rand) (train,
	test anysgd.SampleList, err error) {
	trainSet := mnist.LoadTrainingDataSet()
	testSet := mnist.LoadTestingDataSet()
	if f.Arch == "multi" {
		const shift = 4
		trainList, err := capsdata.MultiSamples(c, trainSet, f.MultiCount, shift, r)
		if err != nil {
			return nil, nil, err
		}
		testList, err := capsdata.MultiSamples(c, testSet, f.MultiCount, shift, r)
		if err != nil {
			return nil, nil, err
		}
		return trainList, testList, nil
	}
	train = &capsdata.AugmentedList{
		Samples:   capsdata.MNISTSamples(c, trainSet),
		Augmenter: &capsdata.Augmenter{Rand: r, MaxShift: 2},
		Width:     trainSet.Width,
		Height:    trainSet.Height,
		Depth:     1,
	}
	return train, capsdata.MNISTSamples(c, testSet), nil
}

func evaluate(c anyvec.Creator, t *capsnet.Trainer, test anysgd.SampleList,
	mode capsnet.Mode, batchSize int, r *rand.Rand) {
	var correct, reconError float64
	var count int
	for i := 0; i < test.Len(); i += batchSize {
		batch, err := t.Fetch(test.Slice(i, batchEnd(i, batchSize, test.Len())))
		if err != nil {
			essentials.Die(err)
		}
		b := batch.(*capsnet.Batch)
		correct += t.Accuracy(b) * float64(b.Num)

		in := &capsnet.Inputs{Images: b.Images, Labels: b.Labels[0]}
		if len(b.Labels) > 1 {
			in.Labels2 = b.Labels[1]
		}
		if mode == capsnet.Play {
			noise := c.MakeVector(b.Num * t.Model.NumCaps * t.Model.CapsDim)
			anyvec.Rand(noise, anyvec.Normal, r)
			noise.Scale(c.MakeNumeric(0.05))
			in.Noise = anydiff.NewConst(noise)
		}
		out, err := t.Model.Apply(mode, in, b.Num)
		if err != nil {
			essentials.Die(err)
		}
		for j, recon := range out.Reconstructions {
			mse := anynet.MSE{}.Cost(b.Targets[j], recon, b.Num)
			reconError += numericFloat(anyvec.Sum(mse.Output()))
		}
		count += b.Num
	}
	log.Printf("%v: accuracy=%f reconstruction=%f", mode, correct/float64(count),
		reconError/float64(count))
}

func numericFloat(n anyvec.Numeric) float64 {
	switch n := n.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		panic("unsupported numeric type")
	}
}

func batchEnd(start, size, total int) int {
	if start+size > total {
		return total
	}
	return start + size
}

// epochCounter tracks epoch boundaries from the sizes of
// the mini-batches that SGD is about to train on.
//
// Mini-batches never straddle two epochs.
type epochCounter struct {
	Size int

	processed int
	epoch     int
}

// Step records a mini-batch of n samples and reports
// whether the batches before it completed an epoch.
func (e *epochCounter) Step(n int) bool {
	var finished bool
	if e.processed > 0 && e.processed%e.Size == 0 && e.processed/e.Size > e.epoch {
		e.epoch++
		finished = true
	}
	e.processed += n
	return finished
}

// Epoch returns the index of the current epoch.
func (e *epochCounter) Epoch() int {
	return e.epoch
}
