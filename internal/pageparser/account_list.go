package pageparser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

const (
	accountListContainerID     = "divServiceAccountList"
	listItemTag                = "li"
	accountEntryTag            = "div"
	attributeID                = "id"
	attributeSerialNumber      = "sn"
	attributeVisible           = "visible"
	visibleMarker              = "1"
	patternNameAccountList     = "account list container"
	errMessageParseAccountHTML = "parse account list markup"
)

// AccountEntry is one visible service account row of the game start page.
type AccountEntry struct {
	ID           string
	DisplayName  string
	SerialNumber string
}

// ParseAccountList reads every div inside a list item of the service account container and
// keeps the ones flagged visible, in document order. Rows without the visible marker are
// skipped.
func ParseAccountList(htmlContent string) ([]AccountEntry, error) {
	document, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseAccountHTML, err)
	}

	container := findElementByID(document, accountListContainerID)
	if container == nil {
		return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, patternNameAccountList)
	}

	entries := make([]AccountEntry, 0)
	seen := make(map[*html.Node]struct{})
	walkElements(container, listItemTag, func(listItem *html.Node) {
		walkElements(listItem, accountEntryTag, func(entryNode *html.Node) {
			if _, visited := seen[entryNode]; visited {
				return
			}
			seen[entryNode] = struct{}{}
			if attributeValue(entryNode, attributeVisible) != visibleMarker {
				return
			}
			entries = append(entries, AccountEntry{
				ID:           attributeValue(entryNode, attributeID),
				DisplayName:  leadingText(entryNode),
				SerialNumber: attributeValue(entryNode, attributeSerialNumber),
			})
		})
	})
	return entries, nil
}

func findElementByID(node *html.Node, elementID string) *html.Node {
	if node.Type == html.ElementNode && attributeValue(node, attributeID) == elementID {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findElementByID(child, elementID); found != nil {
			return found
		}
	}
	return nil
}

// walkElements visits every descendant element of root with the given tag, in document order.
func walkElements(root *html.Node, tag string, visit func(*html.Node)) {
	for child := root.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == tag {
			visit(child)
		}
		walkElements(child, tag, visit)
	}
}

func attributeValue(node *html.Node, name string) string {
	for _, attribute := range node.Attr {
		if attribute.Key == name {
			return attribute.Val
		}
	}
	return ""
}

// leadingText returns the text that precedes the first child element.
func leadingText(node *html.Node) string {
	var builder strings.Builder
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != html.TextNode {
			break
		}
		builder.WriteString(child.Data)
	}
	return strings.TrimSpace(builder.String())
}
