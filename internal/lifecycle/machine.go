// Package lifecycle models the process lifecycle as an explicit state machine:
//
//	Installing → Activated → Idle ⇄ Handling(Fetch | Replay | Push)
//
// Install registers cache tiers and precaches static targets, Activate drops
// partitions left behind by older tier versions and opens the machine for
// traffic. After activation every unit of work brackets itself with Begin and
// the returned done func, so the machine reports Handling while work is in
// flight and falls back to Idle once the last activity finishes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/notify"
	"github.com/any-hub/offline-hub/internal/tier"
)

// State 是生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateActivated  State = "activated"
	StateIdle       State = "idle"
	StateHandling   State = "handling"
)

// Activity 是 Handling 状态下的工作类型。
type Activity string

const (
	ActivityFetch  Activity = "fetch"
	ActivityReplay Activity = "replay"
	ActivityPush   Activity = "push"
)

var (
	// ErrNotActive 表示尚未激活，不能处理请求。
	ErrNotActive = errors.New("lifecycle: not active")

	// ErrInvalidTransition 表示在错误的状态下调用了 Install/Activate。
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
)

// TierRegistrar 注册 Tier，*cache.Service 满足该接口。
type TierRegistrar interface {
	RegisterTier(cfg tier.Config) (tier.Handle, error)
}

// Precacher 预取目标到指定 Tier，*dispatch.Dispatcher 满足该接口。
type Precacher interface {
	Precache(ctx context.Context, tierID, target string) error
}

// Pruner 删除不再被任何 Tier 引用的分区，*cache.Service 满足该接口。
type Pruner interface {
	Prune(ctx context.Context) ([]string, error)
}

// Options 汇总状态机依赖；Registrar 必填，其余可选。
type Options struct {
	Tiers        []tier.Config
	Registrar    TierRegistrar
	Precacher    Precacher
	Pruner       Pruner
	Precache     []string
	PrecacheTier string
	Notifier     notify.Notifier
	Logger       *logrus.Logger
}

// Status 是 /-/state 的输出。
type Status struct {
	State    State            `json:"state"`
	Handling map[Activity]int `json:"handling,omitempty"`
}

// InstallReport 汇总一次安装的结果。
type InstallReport struct {
	Tiers            int      `json:"tiers"`
	Precached        int      `json:"precached"`
	PrecacheFailures []string `json:"precache_failures,omitempty"`
}

// Machine 是线程安全的生命周期状态机。
type Machine struct {
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	state    State
	inFlight map[Activity]int
	total    int
}

// New 以 Installing 状态构建状态机。
func New(opts Options) (*Machine, error) {
	if opts.Registrar == nil {
		return nil, errors.New("tier registrar is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{Logger: logger}
	}
	return &Machine{
		opts:     opts,
		logger:   logger,
		state:    StateInstalling,
		inFlight: make(map[Activity]int),
	}, nil
}

// State 返回当前状态。
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status 返回当前状态与各类在途工作数量。
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{State: m.state}
	if m.total > 0 {
		status.Handling = make(map[Activity]int, len(m.inFlight))
		for act, n := range m.inFlight {
			if n > 0 {
				status.Handling[act] = n
			}
		}
	}
	return status
}

// Install 注册全部 Tier 并预取静态资源；预取失败只记录，不阻止安装完成。
func (m *Machine) Install(ctx context.Context) (InstallReport, error) {
	var report InstallReport
	if got := m.State(); got != StateInstalling {
		return report, fmt.Errorf("%w: install from %s", ErrInvalidTransition, got)
	}
	for _, cfg := range m.opts.Tiers {
		if _, err := m.opts.Registrar.RegisterTier(cfg); err != nil {
			return report, fmt.Errorf("register tier %s: %w", cfg.ID, err)
		}
		report.Tiers++
	}

	if m.opts.Precacher != nil && m.opts.PrecacheTier != "" {
		for _, target := range m.opts.Precache {
			if err := m.opts.Precacher.Precache(ctx, m.opts.PrecacheTier, target); err != nil {
				report.PrecacheFailures = append(report.PrecacheFailures, target)
				m.logger.WithError(err).WithFields(logrus.Fields{
					"action": "lifecycle",
					"tier":   m.opts.PrecacheTier,
					"target": target,
				}).Warn("precache failed")
				continue
			}
			report.Precached++
		}
	}

	m.transition(StateInstalling, StateActivated)
	m.logger.WithFields(logrus.Fields{
		"action":    "lifecycle",
		"tiers":     report.Tiers,
		"precached": report.Precached,
		"failed":    len(report.PrecacheFailures),
	}).Info("install finished")
	return report, nil
}

// Activate 清理旧版本分区并进入 Idle，此后才接受 Begin。
func (m *Machine) Activate(ctx context.Context) error {
	if got := m.State(); got != StateActivated {
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, got)
	}
	if m.opts.Pruner != nil {
		if _, err := m.opts.Pruner.Prune(ctx); err != nil {
			m.logger.WithError(err).WithField("action", "lifecycle").Warn("prune obsolete partitions failed")
		}
	}
	m.transition(StateActivated, StateIdle)
	return nil
}

// Begin 进入 Handling(act)；返回的 done 只生效一次，最后一个在途工作结束后回到 Idle。
func (m *Machine) Begin(act Activity) (func(), error) {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateHandling {
		m.mu.Unlock()
		return nil, ErrNotActive
	}
	m.inFlight[act]++
	m.total++
	if m.state == StateIdle {
		m.setLocked(StateHandling, act)
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.end(act) })
	}, nil
}

func (m *Machine) end(act Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[act]--
	m.total--
	if m.total == 0 {
		m.setLocked(StateIdle, act)
	}
}

// HandlePush 在 Handling(Push) 下把推送消息转交给通知通道。
func (m *Machine) HandlePush(ctx context.Context, n notify.Notification) error {
	done, err := m.Begin(ActivityPush)
	if err != nil {
		return err
	}
	defer done()
	if n.Title == "" {
		n.Title = "Storefront update"
	}
	return m.opts.Notifier.Notify(ctx, n)
}

func (m *Machine) transition(from, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return
	}
	m.setLocked(to, "")
}

func (m *Machine) setLocked(to State, act Activity) {
	from := m.state
	m.state = to
	fields := logrus.Fields{"action": "lifecycle", "from": from, "to": to}
	if act != "" {
		fields["activity"] = act
	}
	m.logger.WithFields(fields).Debug("state changed")
}
