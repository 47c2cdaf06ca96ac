package fangdi

import (
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

type listing struct {
	outerID  string
	name     string
	district string
}

func searchPageHTML(rows []listing, page, total int) string {
	var b strings.Builder
	b.WriteString(`<html><body><table width="100%"><tr><td>导航</td></tr></table>`)
	b.WriteString(`<table><tr><td>状态</td><td>项目名称</td><td>项目地址</td><td>总套数</td><td>总面积</td><td>所在区县</td></tr>`)
	for i, r := range rows {
		fmt.Fprintf(&b, `<tr valign="middle"><td>在售</td><td><a href=proDetail.asp?projectID=%s>%s</a></td><td>殷行路%d号等</td><td>%d</td><td>%d.50</td><td>%s</td></tr>`,
			EncodeProjectID(r.outerID, "2017-6-22", 63), r.name, 1280+i, 100+i, 8000+i, r.district)
	}
	fmt.Fprintf(&b, `<tr><td colspan="6"><table><tr><td>&nbsp;第%d页/共%d页&nbsp;</td></tr></table></td></tr>`, page, total)
	b.WriteString(`</table></body></html>`)
	return b.String()
}

func detailHTML(projectID, name string) string {
	return fmt.Sprintf(`<html><body>
<table><tr><td>
<table>
<tr><td>项目名称：</td><td>%[2]s</td></tr>
<tr><td>项目地址：</td><td>殷行路1280号等</td><td>所属板块：</td><td>新江湾城板块</td></tr>
<tr><td>企业名称：</td><td>上海城投悦城置业有限公司</td></tr>
</table>
</td></tr></table>
<iframe src='Presell.asp?projectID=%[1]s&amp;projectname=%[2]s'></iframe>
</body></html>`, projectID, html.EscapeString(name))
}

func presaleHTML(serials ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table>`)
	b.WriteString(`<tr><td>编号</td><td>预售许可证/房地产权证</td><td>开盘日期</td><td>总套数</td><td>住宅套数</td><td>总面积</td><td>住宅面积</td><td>销售状态</td></tr>`)
	for i, s := range serials {
		fmt.Fprintf(&b, `<tr onclick="show(%d)"><td>%s</td><td>杨浦区预售%s</td><td>2017-06-22</td><td>%d</td><td>%d</td><td>%d.5</td><td>%d.25 平方米</td><td>在售</td></tr>`,
			i, s, s, 120+i, 100+i, 10000+i, 9000+i)
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

// fakeSite serves the district search, project detail and presale pages
type fakeSite struct {
	mu        sync.Mutex
	districts map[string]string
	totalPage int
	perPage   int
	hits      map[string]int
}

func newFakeSite(districts map[string]string, totalPage, perPage int) *fakeSite {
	return &fakeSite{districts: districts, totalPage: totalPage, perPage: perPage, hits: make(map[string]int)}
}

func communityName(outerID string) string {
	return "花园" + outerID
}

func (f *fakeSite) rows(districtID string, page int) []listing {
	var rows []listing
	for i := 0; i < f.perPage; i++ {
		outer := fmt.Sprintf("%s%02d%d", districtID, page, i)
		rows = append(rows, listing{outerID: outer, name: communityName(outer), district: f.districts[districtID]})
	}
	return rows
}

func (f *fakeSite) hitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.hits {
		n += c
	}
	return n
}

func (f *fakeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	q := r.URL.Query()
	switch r.URL.Path {
	case "/complexpro.asp":
		district := q.Get("districtID")
		page, _ := strconv.Atoi(q.Get("page"))
		if _, ok := f.districts[district]; !ok || page < 1 || page > f.totalPage {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(searchPageHTML(f.rows(district, page), page, f.totalPage)))
	case "/proDetail.asp":
		id := q.Get("projectID")
		outer, err := DecodeProjectID(id)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(detailHTML(id, communityName(outer))))
	case "/Presell.asp":
		outer, err := DecodeProjectID(q.Get("projectID"))
		if err != nil || q.Get("projectname") != communityName(outer) {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(presaleHTML(outer+"-A", outer+"-B")))
	default:
		http.NotFound(w, r)
	}
}
