package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"

	"dragonfabric/executor"
)

const absent = "(nil)"

type GetCmd struct {
	Key string `arg:"" help:"Key to read"`
}

func (c *GetCmd) Run(a *App) error {
	res, err := a.X.Execute(a.Ctx, executor.Read{Key: []byte(c.Key)})
	if err != nil {
		return err
	}
	return a.printValue(res)
}

type PutCmd struct {
	Key   string `arg:"" help:"Key to write"`
	Value string `arg:"" help:"Value to store"`
}

func (c *PutCmd) Run(a *App) error {
	_, err := a.X.Execute(a.Ctx, executor.Write{Key: []byte(c.Key), Value: []byte(c.Value)})
	return err
}

type DelCmd struct {
	Key string `arg:"" help:"Key to delete"`
}

func (c *DelCmd) Run(a *App) error {
	_, err := a.X.Execute(a.Ctx, executor.Delete{Key: []byte(c.Key)})
	return err
}

// CasCmd swaps the value of Key. Without --expect the key must be absent,
// without --value it is deleted.
type CasCmd struct {
	Key    string  `arg:"" help:"Key to swap"`
	Expect *string `help:"Value the key must hold (default: key must be absent)"`
	Value  *string `help:"New value (default: delete the key)"`
}

func (c *CasCmd) Run(a *App) error {
	res, err := a.X.Execute(a.Ctx, executor.CompareAndSwap{
		Key:      []byte(c.Key),
		Expected: optBytes(c.Expect),
		Value:    optBytes(c.Value),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.Out, res.Success)
	return err
}

type IncrCmd struct {
	Key   string `arg:"" help:"Counter key"`
	Delta int64  `arg:"" optional:"" default:"1" help:"Amount to add"`
}

func (c *IncrCmd) Run(a *App) error {
	res, err := a.X.Execute(a.Ctx, executor.Increment{Key: []byte(c.Key), Delta: c.Delta})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.Out, res.Counter)
	return err
}

type CounterCmd struct {
	Key string `arg:"" help:"Counter key"`
}

func (c *CounterCmd) Run(a *App) error {
	res, err := a.X.Execute(a.Ctx, executor.ReadCounter{Key: []byte(c.Key)})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.Out, res.Counter)
	return err
}

type PushCmd struct {
	Queue string `arg:"" help:"Queue name"`
	Value string `arg:"" help:"Value to append"`
}

func (c *PushCmd) Run(a *App) error {
	_, err := a.X.Execute(a.Ctx, executor.QueuePush{Queue: []byte(c.Queue), Value: []byte(c.Value)})
	return err
}

type PopCmd struct {
	Queue string `arg:"" help:"Queue name"`
}

func (c *PopCmd) Run(a *App) error {
	res, err := a.X.Execute(a.Ctx, executor.QueuePop{Queue: []byte(c.Queue)})
	if err != nil {
		return err
	}
	return a.printValue(res)
}

// BatchCmd applies a YAML list of operations all-or-nothing:
//
//	- {Op: write, Key: a, Value: x}
//	- {Op: delete, Key: b}
//	- {Op: cas, Key: c, Expect: x, Value: y}
//	- {Op: incr, Key: n, Delta: 2}
type BatchCmd struct {
	File string `arg:"" type:"existingfile" help:"YAML file with the operations"`
}

type BatchOp struct {
	Op     string  `yaml:"Op"`
	Key    string  `yaml:"Key"`
	Value  *string `yaml:"Value"`
	Expect *string `yaml:"Expect"`
	Delta  int64   `yaml:"Delta"`
}

func (c *BatchCmd) Run(a *App) error {
	yd, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	ops, err := ParseBatch(yd)
	if err != nil {
		return errors.Wrapf(err, "parse %s", c.File)
	}
	ok, err := a.X.ExecuteBatch(a.Ctx, ops)
	if err != nil {
		return err
	}
	a.Log.Debug().Int("ops", len(ops)).Bool("applied", ok).Msg("batch")
	_, err = fmt.Fprintln(a.Out, ok)
	return err
}

// ParseBatch decodes the batch file format of BatchCmd.
func ParseBatch(yd []byte) ([]executor.WriteOperation, error) {
	var raw []BatchOp
	if err := yaml.UnmarshalStrict(yd, &raw); err != nil {
		return nil, err
	}
	ops := make([]executor.WriteOperation, 0, len(raw))
	for i, r := range raw {
		key := []byte(r.Key)
		switch r.Op {
		case "write", "put":
			v := optBytes(r.Value)
			if v == nil {
				v = []byte{}
			}
			ops = append(ops, executor.Write{Key: key, Value: v})
		case "delete", "del":
			ops = append(ops, executor.Delete{Key: key})
		case "cas":
			ops = append(ops, executor.CompareAndSwap{Key: key, Expected: optBytes(r.Expect), Value: optBytes(r.Value)})
		case "incr", "increment":
			ops = append(ops, executor.Increment{Key: key, Delta: r.Delta})
		default:
			return nil, errors.Newf("op %d: unknown operation %q", i, r.Op)
		}
	}
	return ops, nil
}

func (a *App) printValue(res executor.Result) error {
	if !res.Found {
		_, err := fmt.Fprintln(a.Out, absent)
		return err
	}
	_, err := fmt.Fprintln(a.Out, strconv.Quote(string(res.Value)))
	return err
}

func optBytes(s *string) []byte {
	if s == nil {
		return nil
	}
	return append([]byte{}, *s...)
}
