package device

import (
	"sync"

	"github.com/arzzra/voip_engine/pkg/media"
)

// Fake сессия устройства без оборудования. Захват и воспроизведение
// управляются вручную через PushCapture и PullRender.
type Fake struct {
	mutex sync.Mutex

	// Ошибки, которые вернут соответствующие методы
	InitErr   error
	SelectErr error
	StartErr  error

	initialized bool
	callback    AudioCallback
	recording   bool
	playing     bool

	initCalls int
	events    []string
	onEvent   func(string)
}

var _ Session = (*Fake)(nil)

// NewFake создает fake сессию
func NewFake() *Fake {
	return &Fake{}
}

// SetInitError задает ошибку Init; nil снимает ее
func (f *Fake) SetInitError(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.InitErr = err
}

// OnEvent подписывает наблюдателя на события сессии.
// Наблюдатель вызывается синхронно без блокировки сессии.
func (f *Fake) OnEvent(fn func(event string)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.onEvent = fn
}

func (f *Fake) record(event string) func() {
	f.events = append(f.events, event)
	fn := f.onEvent
	return func() {
		if fn != nil {
			fn(event)
		}
	}
}

func (f *Fake) Init() error {
	f.mutex.Lock()
	f.initCalls++
	if f.InitErr != nil {
		err := f.InitErr
		notify := f.record("init_failed")
		f.mutex.Unlock()
		notify()
		return err
	}
	f.initialized = true
	notify := f.record("init")
	f.mutex.Unlock()
	notify()
	return nil
}

func (f *Fake) Initialized() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.initialized
}

func (f *Fake) SelectDefaultDevices() error {
	f.mutex.Lock()
	if !f.initialized {
		f.mutex.Unlock()
		return ErrNotInitialized
	}
	if f.SelectErr != nil {
		err := f.SelectErr
		f.mutex.Unlock()
		return err
	}
	notify := f.record("select")
	f.mutex.Unlock()
	notify()
	return nil
}

func (f *Fake) RegisterAudioCallback(cb AudioCallback) error {
	f.mutex.Lock()
	if !f.initialized {
		f.mutex.Unlock()
		return ErrNotInitialized
	}
	f.callback = cb
	notify := f.record("register")
	f.mutex.Unlock()
	notify()
	return nil
}

func (f *Fake) StartRecording() error {
	return f.setState(&f.recording, true, "start_recording")
}

func (f *Fake) StopRecording() error {
	return f.setState(&f.recording, false, "stop_recording")
}

func (f *Fake) Recording() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.recording
}

func (f *Fake) StartPlayout() error {
	return f.setState(&f.playing, true, "start_playout")
}

func (f *Fake) StopPlayout() error {
	return f.setState(&f.playing, false, "stop_playout")
}

func (f *Fake) Playing() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.playing
}

func (f *Fake) setState(flag *bool, on bool, event string) error {
	f.mutex.Lock()
	if on {
		if !f.initialized {
			f.mutex.Unlock()
			return ErrNotInitialized
		}
		if f.callback == nil {
			f.mutex.Unlock()
			return ErrNoCallback
		}
		if f.StartErr != nil {
			err := f.StartErr
			f.mutex.Unlock()
			return err
		}
	}
	if *flag == on {
		f.mutex.Unlock()
		return nil
	}
	*flag = on
	notify := f.record(event)
	f.mutex.Unlock()
	notify()
	return nil
}

func (f *Fake) Terminate() error {
	f.mutex.Lock()
	f.recording = false
	f.playing = false
	f.callback = nil
	f.initialized = false
	notify := f.record("terminate")
	f.mutex.Unlock()
	notify()
	return nil
}

// PushCapture доставляет кадр зарегистрированному callback, если идет захват.
// Возвращает false если кадр не доставлен.
func (f *Fake) PushCapture(frame media.Frame) bool {
	f.mutex.Lock()
	cb, recording := f.callback, f.recording
	f.mutex.Unlock()

	if !recording || cb == nil {
		return false
	}
	cb.RecordedDataIsAvailable(frame)
	return true
}

// PullRender запрашивает кадр воспроизведения, если оно запущено
func (f *Fake) PullRender(sampleRate, samples int) (media.Frame, bool) {
	f.mutex.Lock()
	cb, playing := f.callback, f.playing
	f.mutex.Unlock()

	if !playing || cb == nil {
		return media.Frame{}, false
	}
	return cb.NeedMorePlayData(sampleRate, samples), true
}

// InitCalls количество вызовов Init
func (f *Fake) InitCalls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.initCalls
}

// Events возвращает журнал событий сессии
func (f *Fake) Events() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}
