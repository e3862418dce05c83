package gopher

import (
	"container/list"
	"sync"
	"sync/atomic"

	gxsync "github.com/dubbogo/gost/sync"

	"github.com/zhukovaskychina/xmysql-falcon/logger"
)

// Work is one unit of post-commit processing. Serialize work runs alone;
// other work may run beside work of the same kind.
type Work struct {
	Name      string
	Serialize bool
	Run       func() error

	done chan struct{}
	err  error
}

// Wait blocks until the work ran and returns its error.
func (w *Work) Wait() error {
	<-w.done
	return w.err
}

// Done is closed once the work ran.
func (w *Work) Done() <-chan struct{} { return w.done }

// Gopher applies committed work in FIFO start order on a small pool of
// workers.
type Gopher struct {
	pool    gxsync.GenericTaskPool
	workers int

	mu    sync.Mutex
	cond  *sync.Cond
	queue *list.List

	// >0: that many shared items running; -1: one serialized item running
	serializeGophers int
	wantToSerialize  int
	running          int
	closed           bool
	stopped          chan struct{}

	submitted uint64
	completed uint64
	failed    uint64
}

// NewGopher starts a gopher with the given number of workers.
func NewGopher(workers int) *Gopher {
	if workers < 1 {
		workers = 1
	}
	g := &Gopher{
		pool:    gxsync.NewTaskPoolSimple(workers),
		workers: workers,
		queue:   list.New(),
		stopped: make(chan struct{}),
	}
	g.cond = sync.NewCond(&g.mu)
	go g.dispatch()
	logger.Infof("gopher started with %d workers", workers)
	return g
}

// Submit queues work and returns it for waiting. After Close it runs the
// work inline.
func (g *Gopher) Submit(name string, serialize bool, run func() error) *Work {
	w := &Work{Name: name, Serialize: serialize, Run: run, done: make(chan struct{})}
	atomic.AddUint64(&g.submitted, 1)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.execute(w)
		return w
	}
	g.queue.PushBack(w)
	g.cond.Broadcast()
	g.mu.Unlock()
	return w
}

// dispatch hands queued work to the pool once the serialization protocol
// admits it.
func (g *Gopher) dispatch() {
	defer close(g.stopped)
	for {
		g.mu.Lock()
		for g.queue.Len() == 0 && !g.closed {
			g.cond.Wait()
		}
		if g.queue.Len() == 0 {
			g.mu.Unlock()
			return
		}
		w := g.queue.Remove(g.queue.Front()).(*Work)
		if w.Serialize {
			g.wantToSerialize++
			for g.serializeGophers != 0 {
				g.cond.Wait()
			}
			g.wantToSerialize--
			g.serializeGophers = -1
		} else {
			for g.serializeGophers < 0 || g.wantToSerialize > 0 || g.running >= g.workers {
				g.cond.Wait()
			}
			g.serializeGophers++
		}
		g.running++
		g.mu.Unlock()

		task := func() {
			g.execute(w)
			g.finish(w)
		}
		if !g.pool.AddTask(task) {
			task()
		}
	}
}

func (g *Gopher) execute(w *Work) {
	defer close(w.done)
	if logger.DebugEnabled(logger.DebugGopher) {
		logger.Debugf("gopher running %s", w.Name)
	}
	if w.err = w.Run(); w.err != nil {
		atomic.AddUint64(&g.failed, 1)
		logger.Errorf("gopher work %s failed: %v", w.Name, w.err)
		return
	}
	atomic.AddUint64(&g.completed, 1)
}

func (g *Gopher) finish(w *Work) {
	g.mu.Lock()
	if w.Serialize {
		g.serializeGophers = 0
	} else {
		g.serializeGophers--
	}
	g.running--
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Drain waits until every work submitted so far ran.
func (g *Gopher) Drain() {
	w := g.Submit("drain", true, func() error { return nil })
	<-w.done
}

// Pending returns the number of queued or running items.
func (g *Gopher) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Len() + g.running
}

// Stats 返回提交、完成与失败的数量
func (g *Gopher) Stats() (submitted, completed, failed uint64) {
	return atomic.LoadUint64(&g.submitted), atomic.LoadUint64(&g.completed), atomic.LoadUint64(&g.failed)
}

// Close runs the queued work and stops the workers.
func (g *Gopher) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()
	<-g.stopped

	g.mu.Lock()
	for g.running > 0 {
		g.cond.Wait()
	}
	g.mu.Unlock()
	g.pool.Close()
	logger.Infof("gopher stopped")
}
