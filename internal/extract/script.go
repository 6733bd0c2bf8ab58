// File: internal/extract/script.go
package extract

// enumerateFieldsScript walks the visible DOM once and returns every
// input-capable element with enough structure for classification, plus a
// cheap verification-challenge marker check. One round trip; the heavy
// lifting stays inside the page.
const enumerateFieldsScript = `
(() => {
    const visible = (el) => {
        const rect = el.getBoundingClientRect();
        const style = window.getComputedStyle(el);
        return rect.width > 0 && rect.height > 0 &&
            style.display !== 'none' && style.visibility !== 'hidden';
    };

    const cssEscape = (s) => (window.CSS && CSS.escape) ? CSS.escape(s) : s.replace(/"/g, '\\"');

    const selectorFor = (el) => {
        if (el.id) return '#' + cssEscape(el.id);
        const tag = el.tagName.toLowerCase();
        const name = el.getAttribute('name');
        if (!name) return null;
        if (tag === 'input' && (el.type === 'radio' || el.type === 'checkbox') && el.value) {
            return tag + '[name="' + cssEscape(name) + '"][value="' + cssEscape(el.value) + '"]';
        }
        return tag + '[name="' + cssEscape(name) + '"]';
    };

    const labelFor = (el) => {
        if (el.labels && el.labels.length > 0) return el.labels[0].textContent.trim().slice(0, 200);
        if (el.getAttribute('aria-label')) return el.getAttribute('aria-label').trim().slice(0, 200);
        if (el.placeholder) return el.placeholder.trim().slice(0, 200);
        return '';
    };

    const fields = [];
    const els = document.querySelectorAll('input, select, textarea');
    for (const el of els) {
        const tag = el.tagName.toLowerCase();
        const type = (el.type || '').toLowerCase();
        if (tag === 'input' && ['submit', 'button', 'image', 'reset', 'hidden', 'file'].includes(type)) continue;
        if (el.disabled || el.readOnly) continue;
        if (!visible(el)) continue;

        const selector = selectorFor(el);
        const name = el.getAttribute('name') || el.id || '';
        if (!selector || !name) continue;

        const field = {
            selector: selector,
            name: name,
            kind: tag === 'input' ? type || 'text' : tag,
            required: el.required || el.getAttribute('aria-required') === 'true',
            specificValue: '',
            label: labelFor(el),
            options: [],
        };

        if (type === 'radio' || type === 'checkbox') {
            field.specificValue = el.value || '';
        }
        if (tag === 'select') {
            field.options = Array.from(el.options)
                .filter(o => !o.disabled)
                .map(o => o.textContent.trim())
                .slice(0, 50);
        }

        fields.push(field);
    }

    const hasChallenge = !!(
        document.querySelector('.g-recaptcha, .h-captcha, .cf-turnstile') ||
        document.querySelector('[data-sitekey]') ||
        Array.from(document.querySelectorAll('iframe[src]')).some(f =>
            /recaptcha|hcaptcha|turnstile|challenges\.cloudflare/.test(f.src))
    );

    return { fields: fields, hasChallenge: hasChallenge };
})()
`
