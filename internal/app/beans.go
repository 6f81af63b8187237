package app

import (
	"context"
	"encoding/json"
	"time"

	"clusterkit/internal/eventbus"
	"clusterkit/internal/task/scheduler"
	logx "clusterkit/pkg/logx"
)

const (
	BeanLog     = "log"
	BeanPublish = "publish"
)

// Published is the payload of a bean.publish event.
type Published struct {
	Task string          `json:"task"`
	Node string          `json:"node"`
	Due  time.Time       `json:"due"`
	Arg  json.RawMessage `json:"arg,omitempty"`
}

// logBean writes its argument at info level through the run's logger, so
// the record carries the task and run id.
func logBean(def logx.Logger) scheduler.Bean {
	return scheduler.BeanFunc(func(ctx context.Context, arg json.RawMessage) error {
		f, _ := scheduler.FiringFromContext(ctx)
		logx.FromContext(ctx, def.With(logx.Task(f.Task))).Info("task fired",
			logx.Time("due", f.Due),
			logx.String("arg", string(arg)),
		)
		return nil
	})
}

// publishBean republishes its argument on the event bus.
func publishBean(bus eventbus.Bus) scheduler.Bean {
	return scheduler.BeanFunc(func(ctx context.Context, arg json.RawMessage) error {
		f, _ := scheduler.FiringFromContext(ctx)
		eventbus.PublishSafe(bus, eventbus.BeanPublish, Published{
			Task: f.Task,
			Node: f.Node,
			Due:  f.Due,
			Arg:  arg,
		})
		return nil
	})
}

func (a *App) registerBuiltinBeans() error {
	if err := a.sched.RegisterBean(BeanLog, logBean(a.log.With(logx.Comp("bean.log")))); err != nil {
		return err
	}
	return a.sched.RegisterBean(BeanPublish, publishBean(a.bus))
}
