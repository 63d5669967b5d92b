package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// DefaultPlayTimeout は最初のフレームを待つ時間
const DefaultPlayTimeout = 10 * time.Second

var (
	errNoStream      = errors.New("ストリームが接続されていません")
	errNoFrameSource = errors.New("フレームを配信する映像トラックがありません")
	errSourceEnded   = errors.New("映像ソースが終了しました")
)

// JPEGSource はデコード前のJPEGフレームを提供する表示面
type JPEGSource interface {
	// LatestJPEG は最新フレームと、フレームごとに増える連番を返す
	LatestJPEG() ([]byte, uint64)
}

// Preview はトラックのJPEGフレームをデコードして保持する表示面
// 新しいフレームのたびに登録済みのフレームコールバックを呼ぶ
type Preview struct {
	log         *logrus.Entry
	playTimeout time.Duration

	mu      sync.Mutex
	stream  Stream
	gen     uint64 // Attach / Detach のたびに進む
	playing bool
	frame   image.Image
	raw     []byte
	seq     uint64

	firstFrame chan struct{}
	ended      chan struct{}

	callbacks map[CallbackID]func(time.Time)
	nextCB    CallbackID
}

// NewPreview は新しい Preview を作成する
func NewPreview(log *logrus.Entry) *Preview {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Preview{
		log:         log.WithField("component", "preview"),
		playTimeout: DefaultPlayTimeout,
		callbacks:   make(map[CallbackID]func(time.Time)),
	}
}

// SetPlayTimeout は Play が最初のフレームを待つ時間を設定する
func (p *Preview) SetPlayTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playTimeout = d
}

// Attach はストリームを接続し、最初のフレーム配信トラックの受信を始める
func (p *Preview) Attach(stream Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resetLocked()
	p.stream = stream
	p.firstFrame = make(chan struct{})
	p.ended = make(chan struct{})

	for _, track := range videoTracks(stream) {
		if reader, ok := track.(FrameReader); ok {
			go p.consume(p.gen, reader.Frames(), p.firstFrame, p.ended)
			return
		}
	}
}

// Detach はストリームを外し、保持しているフレームを捨てる
func (p *Preview) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Preview) resetLocked() {
	p.gen++
	p.stream = nil
	p.playing = false
	p.frame = nil
	p.raw = nil
	p.firstFrame = nil
	p.ended = nil
	p.callbacks = make(map[CallbackID]func(time.Time))
}

// consume はフレームをデコードして最新フレームを更新する
// gen が変わったら（Detach / 再 Attach）終了する
func (p *Preview) consume(gen uint64, frames <-chan []byte, firstFrame, ended chan struct{}) {
	defer close(ended)

	first := true
	for data := range frames {
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			p.log.WithError(err).Debug("フレームのデコードに失敗しました")
			continue
		}

		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		p.frame = img
		p.raw = data
		p.seq++
		if first {
			close(firstFrame)
			first = false
		}
		fns := p.takeCallbacksLocked()
		p.mu.Unlock()

		now := time.Now()
		for _, fn := range fns {
			fn(now)
		}
	}
}

// takeCallbacksLocked は再生中なら登録済みコールバックを ID 順に取り出す
func (p *Preview) takeCallbacksLocked() []func(time.Time) {
	if !p.playing || len(p.callbacks) == 0 {
		return nil
	}
	ids := make([]CallbackID, 0, len(p.callbacks))
	for id := range p.callbacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(time.Time), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.callbacks[id])
	}
	p.callbacks = make(map[CallbackID]func(time.Time))
	return fns
}

// Play は再生状態にし、最初のフレームが届くまで待つ
func (p *Preview) Play(ctx context.Context) error {
	p.mu.Lock()
	if p.stream == nil {
		p.mu.Unlock()
		return errNoStream
	}
	p.playing = true
	if p.frame != nil {
		p.mu.Unlock()
		return nil
	}
	firstFrame, ended := p.firstFrame, p.ended
	timeout := p.playTimeout
	hasSource := hasFrameReader(p.stream)
	p.mu.Unlock()

	if !hasSource {
		return errNoFrameSource
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-firstFrame:
		return nil
	case <-ended:
		// 終了直前に最初のフレームが届いた場合は成功とする
		select {
		case <-firstFrame:
			return nil
		default:
		}
		return errSourceEnded
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("最初のフレームが %s 以内に届きませんでした", timeout)
	}
}

func hasFrameReader(stream Stream) bool {
	for _, track := range videoTracks(stream) {
		if _, ok := track.(FrameReader); ok {
			return true
		}
	}
	return false
}

// Pause は再生を止める。フレームコールバックは呼ばれなくなる
func (p *Preview) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
}

// Playing は再生中か返す
func (p *Preview) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// VideoSize は最新フレームのサイズを返す。フレームがなければ 0, 0
func (p *Preview) VideoSize() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frame == nil {
		return 0, 0
	}
	b := p.frame.Bounds()
	return b.Dx(), b.Dy()
}

// CurrentFrame は最新のデコード済みフレームを返す
func (p *Preview) CurrentFrame() image.Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

// LatestJPEG は最新フレームのJPEGデータと連番を返す
func (p *Preview) LatestJPEG() ([]byte, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw, p.seq
}

// RequestFrameCallback は次の新しいフレームで一度だけ呼ばれるコールバックを登録する
func (p *Preview) RequestFrameCallback(fn func(time.Time)) CallbackID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextCB++
	p.callbacks[p.nextCB] = fn
	return p.nextCB
}

// CancelFrameCallback は登録済みのコールバックを取り消す
func (p *Preview) CancelFrameCallback(id CallbackID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.callbacks, id)
}
