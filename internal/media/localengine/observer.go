package localengine

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/mediaroom/internal/media"
)

const (
	defaultObserverInterval = 800 * time.Millisecond
	defaultLevelThreshold   = -80
)

type audioLevelObserver struct {
	router     *router
	maxEntries int
	threshold  int
	interval   time.Duration

	mu         sync.Mutex
	producers  map[string]struct{}
	onVolumes  []func(volumes []media.VolumeEntry)
	onSilence  []func()
	hadVolumes bool
	lastTick   time.Time
	closed     bool

	done chan struct{}
	once sync.Once
}

func newAudioLevelObserver(r *router, opts media.AudioLevelObserverOptions) *audioLevelObserver {
	o := &audioLevelObserver{
		router:     r,
		maxEntries: opts.MaxEntries,
		threshold:  opts.Threshold,
		interval:   time.Duration(opts.Interval) * time.Millisecond,
		producers:  make(map[string]struct{}),
		lastTick:   time.Now(),
		done:       make(chan struct{}),
	}
	if o.maxEntries <= 0 {
		o.maxEntries = 1
	}
	if o.threshold == 0 {
		o.threshold = defaultLevelThreshold
	}
	if o.interval <= 0 {
		o.interval = defaultObserverInterval
	}
	go o.run()
	return o
}

func (o *audioLevelObserver) run() {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

func (o *audioLevelObserver) tick() {
	o.mu.Lock()
	since := o.lastTick
	o.lastTick = time.Now()
	ids := make([]string, 0, len(o.producers))
	for id := range o.producers {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var entries []media.VolumeEntry
	for _, id := range ids {
		p, ok := o.router.producerByID(id)
		if !ok {
			continue
		}
		level, ok := p.levelSince(since)
		if !ok || level < o.threshold {
			continue
		}
		entries = append(entries, media.VolumeEntry{ProducerID: id, Volume: level})
	}
	// Loudest first; dB levels are negative, closer to zero is louder.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Volume > entries[j].Volume })
	if len(entries) > o.maxEntries {
		entries = entries[:o.maxEntries]
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	volumes := append([](func(volumes []media.VolumeEntry))(nil), o.onVolumes...)
	silence := append([](func())(nil), o.onSilence...)
	fireSilence := len(entries) == 0 && o.hadVolumes
	o.hadVolumes = len(entries) > 0
	o.mu.Unlock()

	if len(entries) > 0 {
		for _, fn := range volumes {
			fn(entries)
		}
	} else if fireSilence {
		for _, fn := range silence {
			fn()
		}
	}
}

func (o *audioLevelObserver) AddProducer(producerID string) error {
	if _, ok := o.router.producerByID(producerID); !ok {
		return media.ErrProducerNotFound
	}
	o.mu.Lock()
	o.producers[producerID] = struct{}{}
	o.mu.Unlock()
	return nil
}

func (o *audioLevelObserver) RemoveProducer(producerID string) {
	o.mu.Lock()
	delete(o.producers, producerID)
	o.mu.Unlock()
}

func (o *audioLevelObserver) OnVolumes(fn func(volumes []media.VolumeEntry)) {
	o.mu.Lock()
	o.onVolumes = append(o.onVolumes, fn)
	o.mu.Unlock()
}

func (o *audioLevelObserver) OnSilence(fn func()) {
	o.mu.Lock()
	o.onSilence = append(o.onSilence, fn)
	o.mu.Unlock()
}

func (o *audioLevelObserver) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		close(o.done)
	})
}

type activeSpeakerObserver struct {
	router   *router
	interval time.Duration

	mu        sync.Mutex
	producers map[string]struct{}
	onSpeaker []func(producerID string)
	dominant  string
	lastTick  time.Time
	closed    bool

	done chan struct{}
	once sync.Once
}

func newActiveSpeakerObserver(r *router, opts media.ActiveSpeakerObserverOptions) *activeSpeakerObserver {
	o := &activeSpeakerObserver{
		router:    r,
		interval:  time.Duration(opts.Interval) * time.Millisecond,
		producers: make(map[string]struct{}),
		lastTick:  time.Now(),
		done:      make(chan struct{}),
	}
	if o.interval <= 0 {
		o.interval = defaultObserverInterval
	}
	go o.run()
	return o
}

func (o *activeSpeakerObserver) run() {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

func (o *activeSpeakerObserver) tick() {
	o.mu.Lock()
	since := o.lastTick
	o.lastTick = time.Now()
	ids := make([]string, 0, len(o.producers))
	for id := range o.producers {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	loudest := ""
	loudestLevel := 0
	found := false
	for _, id := range ids {
		p, ok := o.router.producerByID(id)
		if !ok {
			continue
		}
		level, ok := p.levelSince(since)
		if !ok {
			continue
		}
		if !found || level > loudestLevel {
			loudest = id
			loudestLevel = level
			found = true
		}
	}
	if !found {
		return
	}

	o.mu.Lock()
	if o.closed || o.dominant == loudest {
		o.mu.Unlock()
		return
	}
	o.dominant = loudest
	callbacks := append([](func(producerID string))(nil), o.onSpeaker...)
	o.mu.Unlock()

	for _, fn := range callbacks {
		fn(loudest)
	}
}

func (o *activeSpeakerObserver) AddProducer(producerID string) error {
	if _, ok := o.router.producerByID(producerID); !ok {
		return media.ErrProducerNotFound
	}
	o.mu.Lock()
	o.producers[producerID] = struct{}{}
	o.mu.Unlock()
	return nil
}

func (o *activeSpeakerObserver) RemoveProducer(producerID string) {
	o.mu.Lock()
	delete(o.producers, producerID)
	if o.dominant == producerID {
		o.dominant = ""
	}
	o.mu.Unlock()
}

func (o *activeSpeakerObserver) OnDominantSpeaker(fn func(producerID string)) {
	o.mu.Lock()
	o.onSpeaker = append(o.onSpeaker, fn)
	o.mu.Unlock()
}

func (o *activeSpeakerObserver) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		close(o.done)
	})
}
