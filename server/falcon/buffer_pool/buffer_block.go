package buffer_pool

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/basic"
	"github.com/zhukovaskychina/xmysql-falcon/server/falcon/latch"
)

/*
BufferBlock 是数据页的控制体: 页面身份, 页锁, 引用计数, LRU 年龄和脏页链表位置.
Frame 指向真正存数据的页面缓冲区, 在缓冲池初始化时按块连续分配.
*/
type BufferBlock struct {
	key   basic.PageKey
	Frame []byte

	latch    *latch.SyncObject // 页锁
	useCount int32             // pin 计数
	age      uint64            // LRU 年龄戳
	valid    bool              // 内容已加载, 在持有页锁时读写

	lruElem *list.Element

	// 以下字段由 BufferPool.dirtyMu 保护
	dirty     bool
	dirtyElem *list.Element
	transId   basic.TransId // 最后修改该页的事务

	writeMu sync.Mutex // orders write-back of this page
}

func newBufferBlock(frame []byte) *BufferBlock {
	return &BufferBlock{
		key:   basic.PageKey{TableSpace: basic.NoTableSpace, Page: basic.NoPage},
		Frame: frame,
		latch: latch.NewSyncObject("frame"),
	}
}

func (bb *BufferBlock) GetSpaceId() basic.TableSpaceId { return bb.key.TableSpace }

func (bb *BufferBlock) GetPageNo() basic.PageNumber { return bb.key.Page }

func (bb *BufferBlock) Key() basic.PageKey { return bb.key }

func (bb *BufferBlock) UseCount() int32 { return atomic.LoadInt32(&bb.useCount) }

func (bb *BufferBlock) pin() { atomic.AddInt32(&bb.useCount, 1) }

func (bb *BufferBlock) unpin() { atomic.AddInt32(&bb.useCount, -1) }

// GetPageType 读取帧中页面的类型
func (bb *BufferBlock) GetPageType() basic.PageType { return basic.GetPageType(bb.Frame) }

// LogOffset is the virtual offset of the newest log record describing the page.
func (bb *BufferBlock) LogOffset() basic.VirtualOffset { return basic.GetPageLogOffset(bb.Frame) }

// SetLogOffset stamps the page; the caller holds the page exclusively.
func (bb *BufferBlock) SetLogOffset(off basic.VirtualOffset) { basic.SetPageLogOffset(bb.Frame, off) }
