package vision

import (
	"fmt"
	"strings"
)

// DocumentType is "annual" for annual reports and "quarterly" otherwise.
func DocumentType(reportType string) string {
	if strings.Contains(strings.ToLower(reportType), "annual") {
		return "annual"
	}
	return "quarterly"
}

// PagePrompt is the system prompt for page classification.
func PagePrompt(reportType string) string {
	docType := DocumentType(reportType)
	return fmt.Sprintf("You are analyzing a %s report document.\n%s REPORT ANALYSIS INSTRUCTIONS:\n%s",
		docType, strings.ToUpper(docType), pageInstructions)
}

// CategoryPrompt returns the aggregation prompt for a normalized category name, if one
// applies to the report type.
func CategoryPrompt(category, reportType string) (string, bool) {
	category = strings.ToLower(category)
	switch {
	case strings.Contains(category, "financial_highlights") && DocumentType(reportType) == "annual":
		return financialHighlightsPrompt, true
	case strings.Contains(category, "financial_statements") && DocumentType(reportType) == "quarterly":
		return quarterlyPerformancePrompt, true
	}
	return "", false
}

const pageInstructions = `Extract the exact content from this financial document image without summarizing. Return your response as a structured JSON object with the following format:

{
  "report_type": "annual" or "quarterly",
  "categories": [
    {
      "name": "category_name",
      "confidence": 0.95,
      "content": {
        "text": "exact extracted text",
        "key_figures": [
          {"label": "Revenue", "value": "1,234,567", "unit": "RM", "year": "2023"}
        ],
        "tables": [
          {"title": "exact table title", "headers": ["Header1", "Header2"], "rows": [["Data1", "Data2"]]}
        ]
      }
    }
  ]
}

For Quarterly Reports (quarterly):
- financial_statements: all financial statement data, tables and figures exactly as they appear
- qr_announcement: whether this is part of a quarterly report announcement

For Annual Reports (annual):
- financial_statements: all financial statement data, tables and figures exactly as they appear
- financial_highlights: key financial metrics, tables, charts and chart figures with exact values
- financial_ratios: all financial ratios presented with exact values and labels
- corporate_directory: company contact information, addresses and registration numbers
- corporate_structure: organizational or group structure information
- shareholdings: major shareholders, shareholding percentages and statistics
- board_of_directors: board members with profiles and details
- key_senior_management: key senior management profiles
- chairman_statement: the chairman's message with exact text
- md_and_a: management discussion and analysis with exact text

Content that fits no predefined category gets a new descriptive category name with the same structure and a confidence score.

Do not summarize or paraphrase. Extract the exact text, numbers and data as they appear in the image.`

const financialHighlightsPrompt = `You are a financial data extraction assistant. Extract the annual financial highlights from the provided annual report pages and return them as JSON.

Extract:
- Revenue (RM Million or equivalent currency)
- Profit/(Loss) Before Tax
- Earnings/(Loss) Attributable to Equity Holders
- Earnings/(Loss) Per Share (sen or local currency unit)
- Shareholders' Funds
- Total Assets
- Bank Borrowings
- Return on Average Shareholders' Funds (%)

Rules:
1. Extract values only if explicitly mentioned.
2. Convert values into numbers where possible ("RM1,645 million" becomes 1645).
3. Use the currency units as indicated.
4. A field missing for a year is null.
5. Sort years in descending order.
6. Output valid JSON without markdown formatting.

{
  "financial_highlights": [
    {
      "year": 2024,
      "revenue_rm_million": 1645,
      "profit_loss_before_tax_rm_million": 75,
      "earnings_loss_attributable_to_equity_holders_rm_million": 64,
      "earnings_loss_per_share_sen": 1.43,
      "shareholders_funds_rm_million": 4620,
      "total_assets_rm_million": 9034,
      "bank_borrowings_rm_million": 848,
      "return_on_average_shareholders_funds_percentage": 1
    }
  ]
}`

const quarterlyPerformancePrompt = `You are a financial data extraction assistant. Extract quarterly performance data from the provided report pages and return it as JSON.

Extract: year, quarter (Q1..Q4 or YTD), revenue (RM million), profit before taxation, profit after taxation, profit attributable to equity holders, basic earnings per share (sen), dividend per share (sen), net assets per share attributable to equity holders (RM).

Rules:
1. Extract values only if explicitly mentioned.
2. Convert values into numbers where possible.
3. A field missing for a quarter is null.
4. Sort years descending and quarters chronologically within a year.
5. Output valid JSON without markdown formatting.

{
  "quarterly_performance": [
    {
      "year": 2024,
      "quarter": "Q4",
      "revenue_rm_million": 371,
      "profit_before_taxation_rm_million": 5,
      "profit_after_taxation_rm_million": 1,
      "profit_attributable_to_equity_holders_rm_million": 1,
      "basic_earnings_per_share_sen": 0.01,
      "dividend_per_share_sen": 1.00,
      "net_assets_per_share_rm": 1.03
    }
  ]
}`
