package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pigeonchat/pigeon/internal/cache"
	"github.com/pigeonchat/pigeon/internal/chat"
	"github.com/pigeonchat/pigeon/internal/status"
)

// ConversationList is the left-hand directory table.
type ConversationList struct {
	*tview.Table
	convs []*chat.Conversation
}

func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true)
	table.SetTitle(" Conversations ")
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(tcell.ColorBlack).
		Background(tcell.ColorTeal))
	return &ConversationList{Table: table}
}

// SelectedCounterpart returns the counterpart id of the highlighted row,
// or zero when nothing is selected.
func (cl *ConversationList) SelectedCounterpart() int64 {
	row, _ := cl.GetSelection()
	if row < 0 || row >= len(cl.convs) {
		return 0
	}
	return cl.convs[row].CounterpartID
}

func (cl *ConversationList) Update(convs []*chat.Conversation) {
	cl.convs = convs
	cl.Clear()
	for i, c := range convs {
		name := c.DisplayName
		if c.UnreadCount > 0 {
			name = fmt.Sprintf("[::b]%s (%d)[-:-:-]", name, c.UnreadCount)
		}
		preview := c.LastMessagePreview
		if c.LastMessageFromMe {
			preview = statusMark(c.LastMessageStatus) + " " + preview
		}
		cl.SetCell(i, 0, tview.NewTableCell(name).SetExpansion(1))
		cl.SetCell(i, 1, tview.NewTableCell("[gray]"+tview.Escape(truncate(preview, 24))))
	}
}

// Thread renders the open conversation's message log.
type Thread struct {
	*tview.TextView
}

func NewThread() *Thread {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetWordWrap(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetTitle(" Messages ")
	return &Thread{TextView: tv}
}

func (t *Thread) SetTitleFor(c *chat.Conversation) {
	if c == nil {
		t.SetTitle(" Messages ")
		return
	}
	t.SetTitle(fmt.Sprintf(" %s ", c.DisplayName))
}

func (t *Thread) Update(msgs []*chat.Message, counterpartID int64) {
	t.Clear()
	for _, m := range msgs {
		ts := m.SentAt.Format("15:04")
		if m.FromMe {
			fmt.Fprintf(t, "[teal]%s you[-] %s [gray]%s[-]\n", ts, tview.Escape(m.Body), statusMark(m.State))
		} else {
			fmt.Fprintf(t, "[yellow]%s %d[-] %s\n", ts, m.SenderID, tview.Escape(m.Body))
		}
	}
	t.ScrollToEnd()
}

// Composer is the single-line message input.
type Composer struct {
	*tview.Flex
	InputField *tview.InputField
	onSend     func(text string)
}

func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel("> ").
		SetFieldBackgroundColor(tcell.ColorDefault)
	c := &Composer{
		Flex:       tview.NewFlex().AddItem(input, 0, 1, true),
		InputField: input,
	}
	c.SetBorder(true)
	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := input.GetText()
		if text == "" {
			return
		}
		input.SetText("")
		if c.onSend != nil {
			c.onSend(text)
		}
	})
	return c
}

func (c *Composer) SetOnSend(fn func(text string)) { c.onSend = fn }
func (c *Composer) SetText(text string) { c.InputField.SetText(text) }

// SearchView is the user-search overlay: an input plus a result list.
type SearchView struct {
	*tview.Flex
	Input    *tview.InputField
	list     *tview.List
	results  []chat.UserProfile
	onQuery  func(query string)
	onSelect func(counterpartID int64)
	onCancel func()
}

func NewSearchView() *SearchView {
	input := tview.NewInputField().SetLabel("Search: ")
	list := tview.NewList().ShowSecondaryText(true)
	v := &SearchView{
		Flex: tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(input, 1, 0, true).
			AddItem(list, 0, 1, false),
		Input: input,
		list:  list,
	}
	v.SetBorder(true)
	v.SetTitle(" New conversation ")

	input.SetChangedFunc(func(text string) {
		if v.onQuery != nil {
			v.onQuery(text)
		}
	})
	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEscape:
			if v.onCancel != nil {
				v.onCancel()
			}
		case tcell.KeyEnter, tcell.KeyTab:
			if list.GetItemCount() > 0 {
				list.SetCurrentItem(0)
			}
		}
	})
	list.SetSelectedFunc(func(index int, _, _ string, _ rune) {
		if v.onSelect != nil && index < len(v.results) {
			v.onSelect(v.results[index].ID)
		}
	})
	return v
}

func (v *SearchView) SetOnQuery(fn func(string)) { v.onQuery = fn }
func (v *SearchView) SetOnSelect(fn func(int64)) { v.onSelect = fn }
func (v *SearchView) SetOnCancel(fn func())      { v.onCancel = fn }

func (v *SearchView) Reset() {
	v.Input.SetText("")
	v.list.Clear()
	v.results = nil
}

func (v *SearchView) SetResults(results []chat.UserProfile) {
	v.results = results
	v.list.Clear()
	for _, u := range results {
		v.list.AddItem(u.DisplayName(), "@"+u.Username, 0, nil)
	}
}

// MsgSearchView is the offline message-search overlay, backed by the local
// full-text index. Selecting a hit jumps to its conversation.
type MsgSearchView struct {
	*tview.Flex
	Input    *tview.InputField
	list     *tview.List
	results  []cache.SearchResult
	onQuery  func(query string)
	onSelect func(counterpartID int64)
	onCancel func()
}

func NewMsgSearchView() *MsgSearchView {
	input := tview.NewInputField().SetLabel("Find: ")
	list := tview.NewList().ShowSecondaryText(true)
	v := &MsgSearchView{
		Flex: tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(input, 1, 0, true).
			AddItem(list, 0, 1, false),
		Input: input,
		list:  list,
	}
	v.SetBorder(true)
	v.SetTitle(" Find in messages ")

	input.SetChangedFunc(func(text string) {
		if v.onQuery != nil {
			v.onQuery(text)
		}
	})
	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEscape:
			if v.onCancel != nil {
				v.onCancel()
			}
		case tcell.KeyEnter, tcell.KeyTab:
			if list.GetItemCount() > 0 {
				list.SetCurrentItem(0)
			}
		}
	})
	list.SetSelectedFunc(func(index int, _, _ string, _ rune) {
		if v.onSelect == nil || index >= len(v.results) {
			return
		}
		m := v.results[index].Message
		if m.FromMe {
			v.onSelect(m.ReceiverID)
		} else {
			v.onSelect(m.SenderID)
		}
	})
	return v
}

func (v *MsgSearchView) SetOnQuery(fn func(string)) { v.onQuery = fn }
func (v *MsgSearchView) SetOnSelect(fn func(int64)) { v.onSelect = fn }
func (v *MsgSearchView) SetOnCancel(fn func())      { v.onCancel = fn }

func (v *MsgSearchView) Reset() {
	v.Input.SetText("")
	v.list.Clear()
	v.results = nil
}

func (v *MsgSearchView) SetResults(results []cache.SearchResult) {
	v.results = results
	v.list.Clear()
	for _, r := range results {
		when := r.Message.SentAt.Format("Jan 2 15:04")
		v.list.AddItem(tview.Escape(r.Snippet), when, 0, nil)
	}
}

// StatusBar is the single-line footer showing profile, session state, and
// transient flash messages.
type StatusBar struct {
	*tview.TextView
	profile string
	state   string
	flash   string
}

func NewStatusBar(profile string) *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	sb := &StatusBar{TextView: tv, profile: profile, state: string(status.Disconnected)}
	sb.render()
	return sb
}

func (sb *StatusBar) SetState(state string) {
	sb.state = state
	sb.render()
}

func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	fmt.Fprintf(sb, " [teal]%s[-] | %s", sb.profile, sb.state)
	if sb.flash != "" {
		fmt.Fprintf(sb, " | [red]%s[-]", tview.Escape(sb.flash))
	}
}

func stateLabel(payload any) string {
	if sc, ok := payload.(status.StateChange); ok {
		return string(sc.To)
	}
	return ""
}

func statusMark(s chat.DeliveryState) string {
	switch s {
	case chat.StateSending:
		return "…"
	case chat.StateSent:
		return "✓"
	case chat.StateDelivered:
		return "✓✓"
	case chat.StateSeen:
		return "[blue]✓✓[-]"
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
