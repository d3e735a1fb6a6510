// Package hse scrapes the HSE public enforcement registers. The
// prosecution and notice registers share the same shape: a paginated
// result table, one row per record, with a per-record detail page
// carrying the breach citations.
package hse

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"regwatch-backend/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

type Client struct {
	http *resty.Client
}

type ClientOptions struct {
	BaseUrl string
}

func NewClient(opts ClientOptions) *Client {
	baseUrl := opts.BaseUrl
	if baseUrl == "" {
		baseUrl = "https://resources.hse.gov.uk"
	}

	client := resty.New()
	client.SetBaseURL(baseUrl)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetTimeout(time.Second * 30)
	client.SetRetryCount(3)
	client.SetRetryWaitTime(time.Second * 2)
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		return err != nil || res.StatusCode() >= 500
	})

	telemetry.InstrumentResty(client, "scrapers/hse/http")

	return &Client{http: client}
}

type CaseRow struct {
	CaseNumber   string
	OffenderName string
	HearingDate  time.Time
	Fine         decimal.Decimal
	DetailURL    string
}

type CaseDetail struct {
	Locality string
	Activity string
	Costs    decimal.Decimal
	Breaches []string
}

type NoticeRow struct {
	NoticeNumber string
	OffenderName string
	NoticeType   string
	IssuedDate   time.Time
	DetailURL    string
}

type NoticeDetail struct {
	Locality       string
	Activity       string
	ComplianceDate time.Time
	Breaches       []string
}

const dateLayout = "02/01/2006"

// ParseMoney turns a register money string ("£12,000", "12,000.50")
// into an exact decimal. An empty or dash value parses to zero.
func ParseMoney(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "£")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == "-" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func (c *Client) FetchCaseList(ctx context.Context, page int) ([]CaseRow, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("PN", fmt.Sprint(page)).
		Get("/convictions-history/case/case_list.asp")
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("hse: case list page %d returned status %d", page, res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return nil, err
	}

	var rows []CaseRow
	doc.Find("table.inner-table tr").Each(func(i int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() < 4 {
			// header or spacer row
			return
		}

		link := cells.Eq(0).Find("a")
		caseNumber := strings.TrimSpace(link.Text())
		if caseNumber == "" {
			return
		}

		row := CaseRow{
			CaseNumber:   caseNumber,
			DetailURL:    link.AttrOr("href", ""),
			OffenderName: strings.TrimSpace(cells.Eq(1).Text()),
		}

		date, err := time.Parse(dateLayout, strings.TrimSpace(cells.Eq(2).Text()))
		if err == nil {
			row.HearingDate = date
		}
		fine, err := ParseMoney(cells.Eq(3).Text())
		if err == nil {
			row.Fine = fine
		}

		rows = append(rows, row)
	})
	return rows, nil
}

// FetchCaseDetail fetches the per-record enrichment page. It is called
// from record processing, not from the list fetch, so one broken detail
// page costs one record rather than the whole page.
func (c *Client) FetchCaseDetail(ctx context.Context, detailURL string) (CaseDetail, error) {
	res, err := c.http.R().
		SetContext(ctx).
		Get(detailURL)
	if err != nil {
		return CaseDetail{}, err
	}
	if res.IsError() {
		return CaseDetail{}, fmt.Errorf("hse: case detail returned status %d", res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return CaseDetail{}, err
	}

	detail := CaseDetail{
		Locality: strings.TrimSpace(doc.Find("span.defendant-locality").First().Text()),
		Activity: strings.TrimSpace(doc.Find("span.defendant-activity").First().Text()),
	}

	costs, err := ParseMoney(doc.Find("span.case-costs").First().Text())
	if err == nil {
		detail.Costs = costs
	}

	doc.Find("table.breach-table tr td.breach-act").Each(func(i int, td *goquery.Selection) {
		citation := strings.TrimSpace(td.Text())
		if citation != "" {
			detail.Breaches = append(detail.Breaches, citation)
		}
	})
	return detail, nil
}

func (c *Client) FetchNoticeList(ctx context.Context, page int) ([]NoticeRow, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("PN", fmt.Sprint(page)).
		Get("/notices/notices/notice_list.asp")
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("hse: notice list page %d returned status %d", page, res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return nil, err
	}

	var rows []NoticeRow
	doc.Find("table.inner-table tr").Each(func(i int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() < 4 {
			return
		}

		link := cells.Eq(0).Find("a")
		noticeNumber := strings.TrimSpace(link.Text())
		if noticeNumber == "" {
			return
		}

		row := NoticeRow{
			NoticeNumber: noticeNumber,
			DetailURL:    link.AttrOr("href", ""),
			OffenderName: strings.TrimSpace(cells.Eq(1).Text()),
			NoticeType:   strings.TrimSpace(cells.Eq(2).Text()),
		}
		date, err := time.Parse(dateLayout, strings.TrimSpace(cells.Eq(3).Text()))
		if err == nil {
			row.IssuedDate = date
		}

		rows = append(rows, row)
	})
	return rows, nil
}

func (c *Client) FetchNoticeDetail(ctx context.Context, detailURL string) (NoticeDetail, error) {
	res, err := c.http.R().
		SetContext(ctx).
		Get(detailURL)
	if err != nil {
		return NoticeDetail{}, err
	}
	if res.IsError() {
		return NoticeDetail{}, fmt.Errorf("hse: notice detail returned status %d", res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return NoticeDetail{}, err
	}

	detail := NoticeDetail{
		Locality: strings.TrimSpace(doc.Find("span.recipient-locality").First().Text()),
		Activity: strings.TrimSpace(doc.Find("span.recipient-activity").First().Text()),
	}
	compliance, err := time.Parse(dateLayout, strings.TrimSpace(doc.Find("span.compliance-date").First().Text()))
	if err == nil {
		detail.ComplianceDate = compliance
	}

	doc.Find("table.breach-table tr td.breach-act").Each(func(i int, td *goquery.Selection) {
		citation := strings.TrimSpace(td.Text())
		if citation != "" {
			detail.Breaches = append(detail.Breaches, citation)
		}
	})
	return detail, nil
}
