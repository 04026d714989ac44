//go:build integration

package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ucr-scraper/config"
	"ucr-scraper/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// feeViewer serves a frameset shaped like the real site: the form lives in a
// frame named "middle" and the result is rendered after a short delay.
func feeViewer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/DecisionPointUCR/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><frameset rows="10%,90%">
<frame name="top" src="/DecisionPointUCR/welcome.html/header">
<frame name="middle" src="/DecisionPointUCR/welcome.html/getbody">
</frameset></html>`)
	})
	mux.HandleFunc("/DecisionPointUCR/welcome.html/header", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>header</body></html>`)
	})
	mux.HandleFunc("/DecisionPointUCR/welcome.html/getbody", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<form onsubmit="event.preventDefault(); render();">
  <input name="serviceDate"><input name="procedureCode"><input name="zipCode">
  <input type="submit" value="Submit">
</form>
<div id="out"></div>
<script>
function render() {
  document.getElementById('out').innerText = 'Loading your estimated charge';
  setTimeout(function () {
    document.getElementById('out').innerHTML =
      '<table id="resultsDiv"><tr class="percentiles1"><td>50<sup>th</sup> : $ 67.21</td></tr></table>';
  }, 300);
}
</script>
</body></html>`)
	})
	return httptest.NewServer(mux)
}

func TestRodBrowser_FormLookup(t *testing.T) {
	srv := feeViewer()
	defer srv.Close()

	cfg := config.Default()
	cfg.Site.BaseURL = srv.URL + "/DecisionPointUCR/"
	cfg.Browser.UserDataDir = t.TempDir()
	cfg.Timeouts.PerSelector = 2 * time.Second
	cfg.Timeouts.Result = 5 * time.Second
	cfg.Timeouts.ResultFloor = 5 * time.Second

	logger := zaptest.NewLogger(t)
	browser, err := NewRodBrowser(cfg.Browser, logger)
	require.NoError(t, err)
	defer browser.Close()

	d := NewFormDriver(browser, cfg, logger)
	out, err := d.Scrape(context.Background(), "KEY", models.LookupRequest{
		ServiceDate:   "04/25/2025",
		ProcedureCode: "99213",
		ZipCode:       "10001",
	})
	require.NoError(t, err)
	assert.Equal(t, SignalResult, out.Signal)
	assert.Contains(t, out.HTML, "67.21")
}
