package lianjia

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

func houseRowHTML(h HouseRow) string {
	return fmt.Sprintf(`<li><div class="info">
<div class="prop-title"><a key="%s" href="/ershoufang/%s.html">满五唯一 %s</a></div>
<div class="info-table">
<div class="info-row"><span class="info-col row1-text">%s | %.1f平 | %s</span><div class="info-col price-item main"><span class="total-price strong-num">%d</span>万</div></div>
<div class="info-row"><span class="info-col row2-text"><a>鹏欣一品</a> | 浦东 | %d年建</span></div>
</div></div></li>`, h.OuterID, h.OuterID, h.Room, h.Room, h.Area, h.Floor, h.Price, h.BuildYear)
}

func searchHTML(info *CommunityInfo, houses []HouseRow, page, total int) string {
	var b strings.Builder
	b.WriteString(`<html><body>`)
	if info != nil {
		fmt.Fprintf(&b, `<div class="m-side-bar"><ul>
<li>均价<span class="num">%d</span>元/平</li>
<li>在售<span class="num">%d</span>套</li>
<li>90天成交<span class="num">%d</span>套</li>
<li>30天带看<span class="num">%d</span>次</li>
</ul></div>`, info.AveragePrice, info.HouseAvailable, info.SoldLastSeason, info.ViewLastMonth)
	}
	fmt.Fprintf(&b, `<h2>共找到<span class="result-count"> %d </span>套鹏欣一品二手房</h2><ul class="js_fang_list">`, total)
	for _, h := range houses {
		b.WriteString(houseRowHTML(h))
	}
	b.WriteString(`</ul>`)
	if total > 0 {
		fmt.Fprintf(&b, `<div class="page-box house-lst-page-box"><a href="#">上一页</a><span class="current">%d</span></div>`, page)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func houseHTML(outerID string, week, month int) string {
	return fmt.Sprintf(`<html><body>
<look-list count7="%d" count90="%d"></look-list>
<ul class="maininfo-minor"><li><span>所在区域</span>浦东</li><li><span>房源编号：</span>%s</li></ul>
</body></html>`, week, month, outerID)
}

func house(outer string, price int) HouseRow {
	return HouseRow{OuterID: outer, Price: price, Room: "2室1厅", Area: 75.5, Floor: "中区/6层", BuildYear: 2001}
}

var (
	searchPathRe = regexp.MustCompile(`^/ershoufang/d(\d+)q(\w+)s20$`)
	housePathRe  = regexp.MustCompile(`^/ershoufang/(\w+)\.html$`)
)

// fakeSite serves the community search pages and house detail pages
type fakeSite struct {
	mu          sync.Mutex
	perPage     int
	communities map[string][]HouseRow
	failures    map[string]int
	hits        map[string]int
}

func newFakeSite(perPage int) *fakeSite {
	return &fakeSite{
		perPage:     perPage,
		communities: make(map[string][]HouseRow),
		failures:    make(map[string]int),
		hits:        make(map[string]int),
	}
}

func (f *fakeSite) setHouses(community string, houses ...HouseRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.communities[community] = houses
}

func (f *fakeSite) failNext(path string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = times
}

func (f *fakeSite) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[r.URL.Path]++
	if f.failures[r.URL.Path] > 0 {
		f.failures[r.URL.Path]--
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if m := searchPathRe.FindStringSubmatch(r.URL.Path); m != nil {
		page, _ := strconv.Atoi(m[1])
		houses, ok := f.communities[m[2]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var info *CommunityInfo
		if page == 1 {
			info = &CommunityInfo{AveragePrice: 52000, HouseAvailable: len(houses), SoldLastSeason: 4, ViewLastMonth: 120}
		}
		from := min((page-1)*f.perPage, len(houses))
		to := min(page*f.perPage, len(houses))
		_, _ = w.Write([]byte(searchHTML(info, houses[from:to], page, len(houses))))
		return
	}
	if m := housePathRe.FindStringSubmatch(r.URL.Path); m != nil {
		_, _ = w.Write([]byte(houseHTML(m[1], len(m[1]), 10*len(m[1]))))
		return
	}
	http.NotFound(w, r)
}
