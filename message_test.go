// Copyright (c) Liam Stanley <me@liamstanley.io>. All rights reserved. Use
// of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package halcyon

import (
	"reflect"
	"testing"
	"unicode/utf8"
)

func mockMessage() *Message {
	return &Message{
		Source:  &Source{Name: "nick", Ident: "user", Host: "host.com"},
		Command: "PRIVMSG",
		Params:  []string{"#channel", "1 2 3"},
	}
}

var testsParseSource = []struct {
	name    string
	test    string
	wantSrc *Source
}{
	{name: "full", test: "nick!user@hostname.com", wantSrc: &Source{
		Name: "nick", Ident: "user", Host: "hostname.com",
	}},
	{name: "special chars", test: "^[]nick!~user@test.host---name.com", wantSrc: &Source{
		Name: "^[]nick", Ident: "~user", Host: "test.host---name.com",
	}},
	{name: "short", test: "a!b@c", wantSrc: &Source{
		Name: "a", Ident: "b", Host: "c",
	}},
	{name: "short", test: "a!b", wantSrc: &Source{
		Name: "a", Ident: "b", Host: "",
	}},
	{name: "short", test: "a@b", wantSrc: &Source{
		Name: "a", Ident: "", Host: "b",
	}},
	{name: "short", test: "test", wantSrc: &Source{
		Name: "test", Ident: "", Host: "",
	}},
}

func FuzzParseSource(f *testing.F) {
	for _, tc := range testsParseSource {
		f.Add(tc.test)
	}

	f.Fuzz(func(t *testing.T, orig string) {
		got := ParseSource(orig)

		_ = got.IsHostmask()
		_ = got.IsServer()
		_ = got.Len()

		if utf8.ValidString(orig) {
			if !utf8.ValidString(got.Host) {
				t.Errorf("produced invalid UTF-8 string %q", got.Host)
			}

			if !utf8.ValidString(got.Ident) {
				t.Errorf("produced invalid UTF-8 string %q", got.Ident)
			}

			if !utf8.ValidString(got.Name) {
				t.Errorf("produced invalid UTF-8 string %q", got.Name)
			}

			if !utf8.ValidString(got.ID()) {
				t.Errorf("produced invalid UTF-8 string %q", got.ID())
			}

			if !utf8.ValidString(got.String()) {
				t.Errorf("produced invalid UTF-8 string %q", got.String())
			}

			if !utf8.Valid(got.Bytes()) {
				t.Errorf("produced invalid UTF-8 []byte %q", got.Bytes())
			}
		}
	})
}

func TestParseSource(t *testing.T) {
	for _, tt := range testsParseSource {
		gotSrc := ParseSource(tt.test)

		if !reflect.DeepEqual(gotSrc, tt.wantSrc) {
			t.Errorf("ParseSource() = %v, want %v", gotSrc, tt.wantSrc)
		}

		if gotSrc.Len() != tt.wantSrc.Len() {
			t.Errorf("ParseSource().Len() = %v, want %v", gotSrc.Len(), tt.wantSrc.Len())
		}

		if gotSrc.String() != tt.wantSrc.String() {
			t.Errorf("ParseSource().String() = %v, want %v", gotSrc.String(), tt.wantSrc.String())
		}

		if gotSrc.IsServer() != tt.wantSrc.IsServer() {
			t.Errorf("ParseSource().IsServer() = %v, want %v", gotSrc.IsServer(), tt.wantSrc.IsServer())
		}

		if gotSrc.IsHostmask() != tt.wantSrc.IsHostmask() {
			t.Errorf("ParseSource().IsHostmask() = %v, want %v", gotSrc.IsHostmask(), tt.wantSrc.IsHostmask())
		}

		if !reflect.DeepEqual(gotSrc.Bytes(), tt.wantSrc.Bytes()) {
			t.Errorf("ParseSource().Bytes() = %v, want %v", gotSrc, tt.wantSrc)
		}
	}
}

var testsParseMessage = []struct {
	in   string
	want string
}{
	{in: "", want: ""},
	{in: ":host.domain.com TEST", want: ":host.domain.com TEST"},
	{in: ":host.domain.com TEST\r\n", want: ":host.domain.com TEST"},
	{in: ":host.domain.com TEST arg1 arg2", want: ":host.domain.com TEST arg1 arg2"},
	{in: ":host.domain.com TEST :", want: ":host.domain.com TEST :"},
	{in: ":host.domain.com TEST ::", want: ":host.domain.com TEST ::"},
	{in: ":host.domain.com TEST :test1", want: ":host.domain.com TEST :test1"},
	{in: ":host.domain.com TEST :test:test", want: ":host.domain.com TEST :test:test"},
	{in: ":host.domain.com TEST :test1 :test", want: ":host.domain.com TEST :test1 :test"},
	{in: ":host.domain.com TEST :test1 test2", want: ":host.domain.com TEST :test1 test2"},
	{in: ":host.domain.com TEST arg1 arg2 :test1", want: ":host.domain.com TEST arg1 arg2 :test1"},
	{in: ":host.domain.com TEST arg1 arg=:10 :test1", want: ":host.domain.com TEST arg1 arg=:10 :test1"},
	{in: ":nick!user@host TEST :test1", want: ":nick!user@host TEST :test1"},
	{in: ":nick!user@host TEST :test1 test2", want: ":nick!user@host TEST :test1 test2"},
	{in: "@aaa=bbb :nick!user@host TEST :test1", want: "@aaa=bbb :nick!user@host TEST :test1"},
	{in: "@aaa=bbb;+ccc;example.com/ddd=eee :nick!user@host TEST :test1", want: "@aaa=bbb;+ccc;example.com/ddd=eee :nick!user@host TEST :test1"},
	{in: "@bbb=aaa;aaa :nick!user@host TEST :test1 test2", want: "@aaa;bbb=aaa :nick!user@host TEST :test1 test2"},
}

// Some of these are pulled from https://github.com/ircdocs/parser-tests.
var testsIRCDocs = []string{
	"foo bar baz asdf",
	"foo bar baz :asdf",
	":src AWAY",
	":src AWAY :",
	":coolguy foo bar baz asdf",
	":coolguy foo bar baz :asdf",
	"foo bar baz :asdf quux",
	"foo bar baz :",
	"foo bar baz ::asdf",
	":coolguy foo bar baz :asdf quux",
	":coolguy foo bar baz :  asdf quux ",
	":coolguy PRIVMSG bar :lol :) ",
	":coolguy foo b\tar baz",
	":coolguy foo b\tar :baz",
	"@asd :coolguy foo bar baz :  ",
	"@a=b\\\\and\\nk;d=gh\\:764 foo",
	"@d=gh\\:764;a=b\\\\and\\nk foo",
	"@a=b\\\\and\\nk;d=gh\\:764 foo par1 par2",
	"@a=b\\\\and\\nk;d=gh\\:764 foo par1 :par2",
	"@foo=\\\\\\\\\\:\\\\s\\s\\r\\n COMMAND",
	"@a=b;c=32;k;rt=ql7 foo",
	"@a=b\\\\and\\nk;c=72\\s45;d=gh\\:764 foo",
	"@c;h=;a=b :quux ab cd",
	":src JOIN #chan",
	":src JOIN :#chan",
	":cool\tguy foo bar baz",
	":coolguy!ag@net\x035w\x03ork.admin PRIVMSG foo :bar baz",
	":coolguy!~ag@n\x02et\x0305w\x0fork.admin PRIVMSG foo :bar baz",
	"@tag1=value1;tag2;vendor1/tag3=value2;vendor2/tag4= :irc.example.com COMMAND param1 param2 :param3 param3",
	":irc.example.com COMMAND param1 param2 :param3 param3",
	"@tag1=value1;tag2;vendor1/tag3=value2;vendor2/tag4 COMMAND param1 param2 :param3 param3",
	"COMMAND",
	":gravel.mozilla.org 432  #momo :Erroneous Nickname: Illegal characters",
	":gravel.mozilla.org MODE #tckk +n ",
	":services.esper.net MODE #foo-bar +o foobar  ",
	"@tag1=value\\\\ntest COMMAND",
	"@tag1=value\\1 COMMAND",
	"@tag1=value1\\ COMMAND",
	"@tag1=1;tag2=3;tag3=4;tag1=5 COMMAND",
	"@tag1=1;tag2=3;tag3=4;tag1=5;vendor/tag2=8 COMMAND",
	":SomeOp MODE #channel :+i",
	":SomeOp MODE #channel +oo SomeUser :AnotherUser",
}

func FuzzParseMessage(f *testing.F) {
	for _, tc := range testsParseMessage {
		f.Add(tc.in)
	}

	for _, tc := range testsIRCDocs {
		f.Add(tc)
	}

	f.Fuzz(func(t *testing.T, orig string) {
		got := ParseMessage(orig)

		if got == nil {
			return
		}

		_ = got.IsAction()
		_ = got.Len()

		if utf8.ValidString(orig) {
			if !utf8.ValidString(got.Command) {
				t.Errorf("produced invalid UTF-8 string %q", got.Command)
			}

			if !utf8.ValidString(got.String()) {
				t.Errorf("produced invalid UTF-8 string %q", got.String())
			}

			if !utf8.ValidString(got.StripAction()) {
				t.Errorf("produced invalid UTF-8 string %q", got.StripAction())
			}

			if !utf8.Valid(got.Bytes()) {
				t.Errorf("produced invalid UTF-8 []byte %q", got.Bytes())
			}
		}
	})
}

func TestParseMessage(t *testing.T) {
	for _, tt := range testsParseMessage {
		got := ParseMessage(tt.in)

		if got == nil && tt.want == "" {
			continue
		}

		if got == nil {
			t.Errorf("ParseMessage: got nil, want: %s", tt.want)
			continue
		}

		if got.String() != tt.want {
			if got.Tags != nil {
				if len(got.String()) != len(tt.want) {
					t.Fatalf("ParseMessage: length exception in tag parse: got %q, want %q", got.String(), tt.want)
				}
			} else {
				t.Fatalf("ParseMessage: got %q, want %q", got.String(), tt.want)
			}
		}

		if got.Len() != len(tt.want) {
			if got.Len() > maxLength {
				continue
			}
			t.Fatalf("Message.Len: got %d from %q, want %d", got.Len(), got.String(), len(tt.want))
		}
	}
}

func TestMessageIs(t *testing.T) {
	m := ParseMessage(":nick!user@host PRIVMSG #test :\x01ACTION this is a test\x01")

	if !m.IsAction() {
		t.Fatalf("Message.IsAction: returned false on %#v", m)
	}
	m.Command = "TEST"
	if m.IsAction() {
		t.Fatalf("Message.IsAction: returned true though not privmsg; %#v", m)
	}
	m.Command = "PRIVMSG"

	if got := m.StripAction(); got != "this is a test" {
		t.Fatalf("Message.StripAction: got %q, want %q", got, "this is a test")
	}

	m.Trailing = m.StripAction()
	if m.IsAction() {
		t.Fatalf("Message.IsAction: returned true after stripping the CTCP framing; %#v", m)
	}
}

func TestParseMessageRejectsNUL(t *testing.T) {
	for _, in := range []string{
		"PRIVMSG #chan :hello\x00world",
		"\x00PING :irc.example.net",
		":nick!user@host PRIVMSG #chan\x00 :hi",
	} {
		if got := ParseMessage(in); got != nil {
			t.Errorf("ParseMessage(%q) = %#v, want nil for a line containing NUL", in, got)
		}
	}
}

func TestMessageIRCDocsParseTests(t *testing.T) {
	for _, tt := range testsIRCDocs {
		// Basic test to just verify it doesn't panic.
		_ = ParseMessage(tt)
	}
}
