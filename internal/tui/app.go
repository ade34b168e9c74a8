// Package tui renders the synchronization core with tview: a conversation
// list, the open message thread, a composer, and a user-search overlay. It
// holds no chat state of its own; every redraw pulls a fresh snapshot from
// the client after a bus event.
package tui

import (
	"context"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/chat"
	"github.com/pigeonchat/pigeon/internal/client"
)

// App is the TUI shell.
type App struct {
	app   *tview.Application
	pages *tview.Pages

	core   *client.Client
	bus    *bus.Bus
	logger *zap.Logger

	convList  *ConversationList
	thread    *Thread
	composer  *Composer
	search    *SearchView
	msgSearch *MsgSearchView
	status    *StatusBar

	ctx    context.Context
	cancel context.CancelFunc
}

func NewApp(core *client.Client, b *bus.Bus, profileName string, logger *zap.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:      tview.NewApplication(),
		pages:    tview.NewPages(),
		core:     core,
		bus:      b,
		logger:   logger,
		convList:  NewConversationList(),
		thread:    NewThread(),
		composer:  NewComposer(),
		search:    NewSearchView(),
		msgSearch: NewMsgSearchView(),
		status:    NewStatusBar(profileName),
		ctx:       ctx,
		cancel:    cancel,
	}
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(row, col int) {
		if id := a.convList.SelectedCounterpart(); id != 0 {
			a.openConversation(id)
		}
	})

	a.composer.SetOnSend(func(text string) {
		go func() {
			if err := a.core.Send(a.ctx, text); err != nil {
				a.logger.Warn("send failed", zap.Error(err))
				a.queueFlash("Send failed - press Enter to retry")
				a.app.QueueUpdateDraw(func() { a.composer.SetText(text) })
			}
		}()
	})

	a.search.SetOnQuery(func(query string) {
		a.core.SearchAsync(a.ctx, query)
	})
	a.search.SetOnSelect(func(counterpartID int64) {
		a.pages.HidePage("search")
		go func() {
			if _, err := a.core.StartConversation(a.ctx, counterpartID); err != nil {
				a.logger.Warn("start conversation failed", zap.Error(err))
				a.queueFlash("Could not open conversation")
			}
		}()
	})
	a.search.SetOnCancel(func() {
		a.pages.HidePage("search")
		a.app.SetFocus(a.convList)
	})

	a.msgSearch.SetOnQuery(func(query string) {
		if query == "" {
			a.msgSearch.SetResults(nil)
			return
		}
		go func() {
			hits, err := a.core.SearchCachedMessages(query, "")
			if err != nil {
				a.logger.Warn("message search failed", zap.Error(err))
				return
			}
			a.app.QueueUpdateDraw(func() { a.msgSearch.SetResults(hits) })
		}()
	})
	a.msgSearch.SetOnSelect(func(counterpartID int64) {
		a.pages.HidePage("msgsearch")
		a.openConversation(counterpartID)
	})
	a.msgSearch.SetOnCancel(func() {
		a.pages.HidePage("msgsearch")
		a.app.SetFocus(a.convList)
	})
}

func (a *App) setupLayout() {
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, false).
		AddItem(a.composer, 3, 0, false)

	main := tview.NewFlex().
		AddItem(a.convList, 32, 0, true).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(main, 0, 1, true).
		AddItem(a.status, 1, 0, false)

	a.pages.AddPage("main", root, true, true)
	a.pages.AddPage("search", modal(a.search, 60, 20), true, false)
	a.pages.AddPage("msgsearch", modal(a.msgSearch, 70, 20), true, false)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if name, _ := a.pages.GetFrontPage(); name == "search" || name == "msgsearch" {
			return event
		}
		if a.app.GetFocus() == a.composer.InputField {
			if event.Key() == tcell.KeyEscape {
				a.app.SetFocus(a.convList)
				return nil
			}
			return event
		}
		switch event.Rune() {
		case 'q':
			a.app.Stop()
			return nil
		case 's':
			a.showSearch()
			return nil
		case '/':
			a.showMsgSearch()
			return nil
		case 'i':
			a.app.SetFocus(a.composer.InputField)
			return nil
		}
		if event.Key() == tcell.KeyEscape {
			a.core.CloseConversation()
			a.thread.Update(nil, 0)
			return nil
		}
		return event
	})

	a.app.SetRoot(a.pages, true)
}

func (a *App) openConversation(counterpartID int64) {
	tl := a.core.OpenConversation(a.ctx, counterpartID)
	a.thread.SetTitleFor(a.core.Directory().Get(counterpartID))
	a.thread.Update(tl.Snapshot(), counterpartID)
	a.app.SetFocus(a.composer.InputField)
}

func (a *App) showSearch() {
	a.search.Reset()
	a.pages.ShowPage("search")
	a.app.SetFocus(a.search.Input)
}

func (a *App) showMsgSearch() {
	a.msgSearch.Reset()
	a.pages.ShowPage("msgsearch")
	a.app.SetFocus(a.msgSearch.Input)
}

func (a *App) queueFlash(msg string) {
	a.app.QueueUpdateDraw(func() { a.status.SetFlash(msg) })
}

// Run starts the bus listener and the terminal event loop; it blocks until
// the user quits.
func (a *App) Run() error {
	go a.consumeEvents()
	defer a.cancel()
	a.convList.Update(a.core.Directory().Snapshot())
	return a.app.Run()
}

func (a *App) consumeEvents() {
	events, unsub := a.bus.Subscribe("", 64)
	defer unsub()

	for {
		select {
		case <-a.ctx.Done():
			return
		case evt := <-events:
			a.handleEvent(evt)
		}
	}
}

func (a *App) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindDirectoryUpdated:
		a.app.QueueUpdateDraw(func() {
			a.convList.Update(a.core.Directory().Snapshot())
		})
	case bus.KindTimelineUpdated:
		tl := a.core.ActiveTimeline()
		if tl == nil {
			return
		}
		if conv, ok := evt.Payload.(string); ok && conv != tl.ConversationID() {
			return
		}
		snap := tl.Snapshot()
		counterpart := tl.CounterpartID()
		a.app.QueueUpdateDraw(func() {
			a.thread.Update(snap, counterpart)
		})
	case bus.KindDirectorySearch:
		results, ok := evt.Payload.([]chat.UserProfile)
		if !ok {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.search.SetResults(results)
		})
	case bus.KindSessionStateChanged:
		a.app.QueueUpdateDraw(func() {
			a.status.SetState(stateLabel(evt.Payload))
		})
	}
}

func modal(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 0, true).
			AddItem(nil, 0, 1, false), width, 0, true).
		AddItem(nil, 0, 1, false)
}
