package mirror

// redistributable lists the licenses that allow us to keep a copy of a download
var redistributable = toSet(
	"Apache", "Apache-1.0", "Apache-2.0",
	"Artistic", "Artistic-1.0", "Artistic-2.0",
	"BSD-2-clause", "BSD-3-clause", "BSD-4-clause",
	"ISC",
	"CC-BY", "CC-BY-1.0", "CC-BY-2.0", "CC-BY-2.5", "CC-BY-3.0", "CC-BY-4.0",
	"CC-BY-SA", "CC-BY-SA-1.0", "CC-BY-SA-2.0", "CC-BY-SA-2.5", "CC-BY-SA-3.0", "CC-BY-SA-4.0",
	"CC-BY-NC", "CC-BY-NC-1.0", "CC-BY-NC-2.0", "CC-BY-NC-2.5", "CC-BY-NC-3.0", "CC-BY-NC-4.0",
	"CC-BY-NC-SA", "CC-BY-NC-SA-1.0", "CC-BY-NC-SA-2.0", "CC-BY-NC-SA-2.5", "CC-BY-NC-SA-3.0", "CC-BY-NC-SA-4.0",
	"CC-BY-NC-ND", "CC-BY-NC-ND-1.0", "CC-BY-NC-ND-2.0", "CC-BY-NC-ND-2.5", "CC-BY-NC-ND-3.0", "CC-BY-NC-ND-4.0",
	"CC-BY-ND", "CC-BY-ND-1.0", "CC-BY-ND-2.0", "CC-BY-ND-2.5", "CC-BY-ND-3.0", "CC-BY-ND-4.0",
	"CC0",
	"CDDL", "CPL",
	"EFL-1.0", "EFL-2.0",
	"Expat", "MIT",
	"GPL-1.0", "GPL-2.0", "GPL-3.0",
	"LGPL-2.0", "LGPL-2.1", "LGPL-3.0",
	"GFDL-1.0", "GFDL-1.1", "GFDL-1.2", "GFDL-1.3",
	"GFDL-NIV-1.0", "GFDL-NIV-1.1", "GFDL-NIV-1.2", "GFDL-NIV-1.3",
	"LPPL-1.0", "LPPL-1.1", "LPPL-1.2", "LPPL-1.3c",
	"MPL-1.1",
	"Perl",
	"Python-2.0",
	"QPL-1.0",
	"W3C",
	"Zlib",
	"Zope",
	"WTFPL",
	"Unlicense",
	"public-domain",
	"open-source",
	"unrestricted",
)

// licenseURLs are sent to archive.org as licenseurl
var licenseURLs = map[string]string{
	"Apache-1.0":      "http://www.apache.org/licenses/LICENSE-1.0",
	"Apache-2.0":      "http://www.apache.org/licenses/LICENSE-2.0",
	"Artistic-1.0":    "http://opensource.org/licenses/Artistic-1.0",
	"Artistic-2.0":    "http://opensource.org/licenses/Artistic-2.0",
	"BSD-2-clause":    "https://opensource.org/licenses/BSD-2-Clause",
	"BSD-3-clause":    "https://opensource.org/licenses/BSD-3-Clause",
	"ISC":             "https://opensource.org/licenses/ISC",
	"CC-BY-1.0":       "https://creativecommons.org/licenses/by/1.0/",
	"CC-BY-2.0":       "https://creativecommons.org/licenses/by/2.0/",
	"CC-BY-2.5":       "https://creativecommons.org/licenses/by/2.5/",
	"CC-BY-3.0":       "https://creativecommons.org/licenses/by/3.0/",
	"CC-BY-4.0":       "https://creativecommons.org/licenses/by/4.0/",
	"CC-BY-SA-1.0":    "https://creativecommons.org/licenses/by-sa/1.0/",
	"CC-BY-SA-2.0":    "https://creativecommons.org/licenses/by-sa/2.0/",
	"CC-BY-SA-2.5":    "https://creativecommons.org/licenses/by-sa/2.5/",
	"CC-BY-SA-3.0":    "https://creativecommons.org/licenses/by-sa/3.0/",
	"CC-BY-SA-4.0":    "https://creativecommons.org/licenses/by-sa/4.0/",
	"CC-BY-NC-1.0":    "https://creativecommons.org/licenses/by-nc/1.0/",
	"CC-BY-NC-2.0":    "https://creativecommons.org/licenses/by-nc/2.0/",
	"CC-BY-NC-2.5":    "https://creativecommons.org/licenses/by-nc/2.5/",
	"CC-BY-NC-3.0":    "https://creativecommons.org/licenses/by-nc/3.0/",
	"CC-BY-NC-4.0":    "https://creativecommons.org/licenses/by-nc/4.0/",
	"CC-BY-NC-SA-1.0": "https://creativecommons.org/licenses/by-nc-sa/1.0/",
	"CC-BY-NC-SA-2.0": "https://creativecommons.org/licenses/by-nc-sa/2.0/",
	"CC-BY-NC-SA-2.5": "https://creativecommons.org/licenses/by-nc-sa/2.5/",
	"CC-BY-NC-SA-3.0": "https://creativecommons.org/licenses/by-nc-sa/3.0/",
	"CC-BY-NC-SA-4.0": "https://creativecommons.org/licenses/by-nc-sa/4.0/",
	"CC-BY-NC-ND-1.0": "https://creativecommons.org/licenses/by-nc-nd/1.0/",
	"CC-BY-NC-ND-2.0": "https://creativecommons.org/licenses/by-nc-nd/2.0/",
	"CC-BY-NC-ND-2.5": "https://creativecommons.org/licenses/by-nc-nd/2.5/",
	"CC-BY-NC-ND-3.0": "https://creativecommons.org/licenses/by-nc-nd/3.0/",
	"CC-BY-NC-ND-4.0": "https://creativecommons.org/licenses/by-nc-nd/4.0/",
	"CC-BY-ND-1.0":    "https://creativecommons.org/licenses/by-nd/1.0/",
	"CC-BY-ND-2.0":    "https://creativecommons.org/licenses/by-nd/2.0/",
	"CC-BY-ND-2.5":    "https://creativecommons.org/licenses/by-nd/2.5/",
	"CC-BY-ND-3.0":    "https://creativecommons.org/licenses/by-nd/3.0/",
	"CC-BY-ND-4.0":    "https://creativecommons.org/licenses/by-nd/4.0/",
	"CC0":             "https://creativecommons.org/publicdomain/zero/1.0/",
	"CDDL":            "https://opensource.org/licenses/CDDL-1.0",
	"CPL":             "https://opensource.org/licenses/cpl1.0.php",
	"EFL-1.0":         "https://opensource.org/licenses/ver1_eiffel",
	"EFL-2.0":         "https://opensource.org/licenses/EFL-2.0",
	"Expat":           "https://opensource.org/licenses/MIT",
	"MIT":             "https://opensource.org/licenses/MIT",
	"GPL-1.0":         "http://www.gnu.org/licenses/old-licenses/gpl-1.0.en.html",
	"GPL-2.0":         "http://www.gnu.org/licenses/old-licenses/gpl-2.0.en.html",
	"GPL-3.0":         "http://www.gnu.org/licenses/gpl-3.0.en.html",
	"LGPL-2.0":        "http://www.gnu.org/licenses/old-licenses/lgpl-2.0.en.html",
	"LGPL-2.1":        "http://www.gnu.org/licenses/old-licenses/lgpl-2.1.en.html",
	"LGPL-3.0":        "http://www.gnu.org/licenses/lgpl-3.0.en.html",
	"GFDL-1.0":        "http://www.gnu.org/licenses/old-licenses/fdl-1.1.en.html",
	"GFDL-1.1":        "http://www.gnu.org/licenses/old-licenses/fdl-1.1.en.html",
	"GFDL-1.2":        "http://www.gnu.org/licenses/old-licenses/fdl-1.2.en.html",
	"GFDL-1.3":        "http://www.gnu.org/licenses/fdl-1.3.en.html",
	"GFDL-NIV-1.0":    "http://www.gnu.org/licenses/old-licenses/fdl-1.1.en.html",
	"GFDL-NIV-1.1":    "http://www.gnu.org/licenses/old-licenses/fdl-1.1.en.html",
	"GFDL-NIV-1.2":    "http://www.gnu.org/licenses/old-licenses/fdl-1.2.en.html",
	"GFDL-NIV-1.3":    "http://www.gnu.org/licenses/fdl-1.3.en.html",
	"LPPL-1.0":        "http://www.latex-project.org/lppl/lppl-1-0.html",
	"LPPL-1.1":        "http://www.latex-project.org/lppl/lppl-1-1.html",
	"LPPL-1.2":        "http://www.latex-project.org/lppl/lppl-1-2.html",
	"LPPL-1.3c":       "http://www.latex-project.org/lppl/lppl-1-3c.html",
	"MPL-1.1":         "https://www.mozilla.org/MPL/1.1/index.txt",
	"Perl":            "http://dev.perl.org/licenses/",
	"Python-2.0":      "https://www.python.org/download/releases/2.0/license/",
	"QPL-1.0":         "https://opensource.org/licenses/QPL-1.0",
	"W3C":             "https://www.w3.org/Consortium/Legal/2015/copyright-software-and-document",
	"Zlib":            "http://www.zlib.net/zlib_license.html",
	"Zope":            "http://old.zope.org/Resources/License.1",
	"WTFPL":           "http://www.wtfpl.net/txt/copying/",
	"Unlicense":       "https://unlicense.org/",
}

func toSet(values ...string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Redistributable reports whether any of licenses allows mirroring
func Redistributable(licenses []string) bool {
	for _, l := range licenses {
		if redistributable[l] {
			return true
		}
	}
	return false
}

// LicenseURLs returns the known urls of licenses
func LicenseURLs(licenses []string) []string {
	var urls []string
	for _, l := range licenses {
		if u, ok := licenseURLs[l]; ok {
			urls = append(urls, u)
		}
	}
	return urls
}
