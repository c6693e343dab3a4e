package gupshup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"blastbot/internal/broadcast"
	logx "blastbot/pkg/logx"
)

func TestSendPostsFormAndReports202(t *testing.T) {
	t.Parallel()

	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wa/api/v1/template/msg" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "key123" {
			t.Errorf("apikey header = %q", r.Header.Get("apikey"))
		}
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"submitted","messageId":"abc"}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "key123", AppName: "myapp", Source: "79990000000", BaseURL: srv.URL}, logx.Nop())
	status, body, err := c.Send(context.Background(), broadcast.OutboundMessage{
		Dest:       "+79261234567",
		TemplateID: "tpl1",
		Lang:       "ru",
		Text:       "Hi Ann: sale today",
	})
	if err != nil {
		t.Fatal(err)
	}
	if status != 202 {
		t.Fatalf("status = %d", status)
	}
	if body == "" {
		t.Fatal("empty response body")
	}

	if gotForm["channel"] != "whatsapp" || gotForm["source"] != "79990000000" || gotForm["src.name"] != "myapp" {
		t.Fatalf("form fields: %+v", gotForm)
	}
	if gotForm["destination"] != "79261234567" {
		t.Fatalf("destination should be sent without the plus: %q", gotForm["destination"])
	}
	var tpl struct {
		ID           string   `json:"id"`
		LanguageCode string   `json:"languageCode"`
		Params       []string `json:"params"`
	}
	if err := json.Unmarshal([]byte(gotForm["template"]), &tpl); err != nil {
		t.Fatalf("template field: %v", err)
	}
	if tpl.ID != "tpl1" || len(tpl.Params) != 1 || tpl.Params[0] != "Hi Ann: sale today" {
		t.Fatalf("template payload: %+v", tpl)
	}
	if tpl.LanguageCode != "ru" {
		t.Fatalf("languageCode = %q, want ru", tpl.LanguageCode)
	}
}

func TestSendReportsNon202Verbatim(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"bad api key"}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "wrong", AppName: "a", Source: "1", BaseURL: srv.URL}, logx.Nop())
	status, body, err := c.Send(context.Background(), broadcast.OutboundMessage{Dest: "+79261234567", TemplateID: "t", Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if status != 401 {
		t.Fatalf("status = %d", status)
	}
	if body != `{"message":"bad api key"}` {
		t.Fatalf("body = %q", body)
	}
}

func TestTemplatesFiltersApproved(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sm/api/v1/template/list/myapp" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"templates":[
			{"id":"t1","elementName":"sale","languageCode":"ru","status":"APPROVED","data":"Hi {{1}}"},
			{"id":"t2","elementName":"draft","languageCode":"ru","status":"PENDING","data":"..."},
			{"id":"t3","elementName":"promo","languageCode":"en","status":"approved","data":"Yo {{1}}"}
		]}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", AppName: "myapp", Source: "1", BaseURL: srv.URL}, logx.Nop())
	ts, err := c.Templates(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 2 || ts[0].ID != "t1" || ts[1].ID != "t3" {
		t.Fatalf("templates: %+v", ts)
	}
}
